package builtin

import (
	"fmt"

	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
)

// EndpointType is the registered name of the endpoint node
const EndpointType = "endpoint"

const endpointSchema = `{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"requireLogin": {"type": "boolean"}
	}
}`

// Endpoint holds connection settings and the login read from the credential store
type Endpoint struct {
	*node.Base
	url      string
	user     string
	password string
}

// NewEndpoint is the endpoint factory. With requireLogin set, a missing
// user credential fails construction.
func NewEndpoint(def flowstore.NodeDefinition, deps node.Dependencies) (node.Node, error) {
	creds := deps.CredentialsFor(def.ID)
	user, _ := creds["user"].(string)
	password, _ := creds["password"].(string)

	if def.Bool("requireLogin", false) && user == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no user credential for %s", errors.ErrInvalidNode, def.ID),
			"endpoint", "NewEndpoint", "read credentials")
	}

	n := &Endpoint{
		Base:     node.NewBase(def),
		url:      def.String("url", ""),
		user:     user,
		password: password,
	}
	deps.Registrar.Add(n)
	return n, nil
}

// URL returns the configured endpoint
func (n *Endpoint) URL() string { return n.url }

// User returns the stored login user
func (n *Endpoint) User() string { return n.user }

// HasPassword reports whether a password credential was stored
func (n *Endpoint) HasPassword() bool { return n.password != "" }

// Package node defines the contract between the flow orchestrator and the
// running instances it creates. Instances are built by a Factory, register
// themselves through the Registrar they are handed, and are torn down with
// Close.
package node

import (
	"context"
	"log/slog"

	"github.com/c360/nodeflows/flowstore"
)

// Node is a running instance created from a node definition
type Node interface {
	ID() string
	Type() string
	// Close stops the instance. It may block until the instance has drained.
	Close(ctx context.Context) error
	// Error reports a failure that belongs to this instance.
	Error(err error)
	// OnLog subscribes fn to the instance's log notifications.
	OnLog(fn func(LogEntry))
}

// Registrar is the narrow capability an instance uses to enter the live table
type Registrar interface {
	Add(n Node)
	Get(id string) Node
}

// CredentialReader gives instances read access to their stored credentials
type CredentialReader interface {
	Get(id string) map[string]any
}

// Dependencies are handed to a Factory for every construction
type Dependencies struct {
	Registrar   Registrar
	Credentials CredentialReader
	Logger      *slog.Logger
}

// Factory constructs an instance from its definition. A successful factory
// registers the instance through deps.Registrar before returning.
type Factory func(def flowstore.NodeDefinition, deps Dependencies) (Node, error)

// CredentialsFor returns the stored credentials for id, or nil
func (d Dependencies) CredentialsFor(id string) map[string]any {
	if d.Credentials == nil {
		return nil
	}
	return d.Credentials.Get(id)
}

package builtin

import (
	"encoding/json"

	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
)

// DebugType is the registered name of the debug node
const DebugType = "debug"

// Debug logs its own configuration when created
type Debug struct {
	*node.Base
	active bool
}

// NewDebug is the debug factory
func NewDebug(def flowstore.NodeDefinition, deps node.Dependencies) (node.Node, error) {
	n := &Debug{
		Base:   node.NewBase(def),
		active: def.Bool("active", true),
	}
	deps.Registrar.Add(n)

	if n.active {
		data, err := json.Marshal(def.Fields)
		if err != nil {
			return nil, err
		}
		n.Info("%s", data)
	}
	return n, nil
}

// Active reports whether the node logs
func (n *Debug) Active() bool {
	return n.active
}

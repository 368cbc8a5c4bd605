package builtin

import (
	"context"
	"time"

	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
)

// DelayType is the registered name of the delay node
const DelayType = "delay"

const delaySchema = `{
	"type": "object",
	"properties": {
		"drain": {"type": "number", "minimum": 0}
	}
}`

// Delay holds Close open for its drain period, in milliseconds
type Delay struct {
	*node.Base
	drain time.Duration
}

// NewDelay is the delay factory
func NewDelay(def flowstore.NodeDefinition, deps node.Dependencies) (node.Node, error) {
	n := &Delay{
		Base:  node.NewBase(def),
		drain: time.Duration(def.Int("drain", 0)) * time.Millisecond,
	}
	deps.Registrar.Add(n)
	return n, nil
}

// Close waits for the drain period
func (n *Delay) Close(ctx context.Context) error {
	if n.drain <= 0 {
		return nil
	}

	timer := time.NewTimer(n.drain)
	defer timer.Stop()

	select {
	case <-timer.C:
		n.Debug("drained after %v", n.drain)
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "delay", "Close", "drain")
	}
}

package builtin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
)

// InjectType is the registered name of the inject node
const InjectType = "inject"

// MinInjectInterval is the shortest interval an inject node accepts
const MinInjectInterval = time.Millisecond

const injectSchema = `{
	"type": "object",
	"properties": {
		"interval": {"type": "number", "exclusiveMinimum": 0},
		"payload": {"type": "string"}
	}
}`

// Inject emits its payload as an info notification every interval seconds.
// Close stops the ticker goroutine and waits for it to exit.
type Inject struct {
	*node.Base

	interval time.Duration
	payload  string
	ticks    atomic.Int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewInject is the inject factory
func NewInject(def flowstore.NodeDefinition, deps node.Dependencies) (node.Node, error) {
	seconds := def.Float64("interval", 1)
	interval := time.Duration(seconds * float64(time.Second))
	if seconds <= 0 || interval < MinInjectInterval {
		return nil, errors.WrapInvalid(errors.ErrInvalidNode, "inject", "NewInject",
			fmt.Sprintf("interval %gs is below %s", seconds, MinInjectInterval))
	}

	n := &Inject{
		Base:     node.NewBase(def),
		interval: interval,
		payload:  def.String("payload", "tick"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	deps.Registrar.Add(n)

	go n.run()
	return n, nil
}

func (n *Inject) run() {
	defer close(n.done)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.ticks.Add(1)
			n.Info("%s", n.payload)
		}
	}
}

// Ticks returns how many payloads have been emitted
func (n *Inject) Ticks() int64 {
	return n.ticks.Load()
}

// Close stops the ticker
func (n *Inject) Close(ctx context.Context) error {
	n.stopOnce.Do(func() { close(n.stop) })

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "inject", "Close", "wait for ticker")
	}
}

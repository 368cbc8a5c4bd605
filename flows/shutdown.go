package flows

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/c360/nodeflows/events"
	"github.com/c360/nodeflows/node"
)

// Clear closes every live instance, waits for all of them to settle, and
// empties the live table.
func (o *Orchestrator) Clear(ctx context.Context) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.clear(ctx)
	o.setState(StateUnloaded)
}

// clear is the settle pass. Close is started for every instance before any
// wait, and a failing or panicking close is routed to that instance's Error
// without cutting the wait short. There is no timeout: a close that never
// returns holds the pass.
func (o *Orchestrator) clear(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "flows.clear")
	defer span.End()
	defer o.metrics.observe("stop", time.Now())

	o.setState(StateStopping)
	o.publish(ctx, events.NodesStopping)

	live := o.liveNodes()
	var failures atomic.Int32

	var g errgroup.Group
	for _, n := range live {
		g.Go(func() error {
			if err := safeClose(ctx, n); err != nil {
				failures.Add(1)
				o.metrics.recordCloseFailure()
				o.reportError(n, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("flows.closed", len(live)),
		attribute.Int("flows.close_failures", int(failures.Load())),
	)
	o.publish(ctx, events.NodesStopped)

	o.mu.Lock()
	o.nodes = make(map[string]node.Node)
	o.mu.Unlock()
	o.metrics.setLiveNodes(0)
}

// stop logs the stopping notice when there is something to stop, then clears
func (o *Orchestrator) stop(ctx context.Context) {
	o.mu.RLock()
	activeCount := len(o.active)
	o.mu.RUnlock()

	if activeCount > 0 {
		o.logger.Info("Stopping flows", "definitions", activeCount)
	}
	o.clear(ctx)
}

func safeClose(ctx context.Context, n node.Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return n.Close(ctx)
}

func (o *Orchestrator) reportError(n node.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Node error handler panicked", "id", n.ID(), "panic", fmt.Sprint(r), "error", err)
		}
	}()
	n.Error(err)
}

package flows

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/events"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
)

// start runs one parse/start pass over the active configuration. It halts
// in StateAwaitingTypes when any referenced type is unregistered. Callers
// hold the lifecycle lock and the live table is empty.
func (o *Orchestrator) start(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "flows.start")
	defer span.End()
	defer o.metrics.observe("start", time.Now())

	o.mu.RLock()
	active := o.active.Clone()
	o.mu.RUnlock()

	missing := o.findMissing(active)
	o.setMissing(missing)
	if len(missing) > 0 {
		o.setState(StateAwaitingTypes)
		o.logger.Info("Waiting for missing types to be registered", "count", len(missing))
		for _, t := range missing {
			o.logger.Info("Missing type", "type", t)
		}
		span.SetAttributes(attribute.StringSlice("flows.missing_types", missing))
		o.metrics.recordStartPass("awaiting_types")
		return
	}

	o.setState(StateStarting)
	runID := uuid.NewString()
	o.logger.Info("Starting flows", "run_id", runID, "definitions", len(active))
	o.publish(ctx, events.NodesStarting)

	created, failed := 0, 0
	for _, def := range active {
		if def.IsGrouping() {
			continue
		}
		if o.instantiate(def) {
			created++
		} else {
			failed++
		}
	}

	if err := o.creds.Clean(ctx, func(id string) bool { return o.Get(id) != nil }); err != nil {
		o.logger.Warn("Failed to clean orphaned credentials", "error", err)
	}

	o.setState(StateRunning)
	span.SetAttributes(
		attribute.String("flows.run_id", runID),
		attribute.Int("flows.created", created),
		attribute.Int("flows.failed", failed),
	)
	o.metrics.recordStartPass("started")
	o.publish(ctx, events.NodesStarted)
}

// findMissing returns the distinct unregistered types in first-seen order
func (o *Orchestrator) findMissing(active flowstore.Flows) []string {
	var missing []string
	for _, def := range active {
		if def.IsGrouping() {
			continue
		}
		if _, ok := o.types.Lookup(def.Type); !ok && !slices.Contains(missing, def.Type) {
			missing = append(missing, def.Type)
		}
	}
	return missing
}

// instantiate constructs one instance. Failures are logged and never
// propagate; an instance whose construction failed is not left live.
func (o *Orchestrator) instantiate(def flowstore.NodeDefinition) bool {
	factory, ok := o.types.Lookup(def.Type)
	if !ok {
		o.logger.Error("Unknown type", "type", def.Type, "id", def.ID)
		o.metrics.recordInstantiation(def.Type, "unknown_type")
		return false
	}

	deps := node.Dependencies{
		Registrar:   o,
		Credentials: o.creds,
		Logger:      o.logger.With("node_id", def.ID, "node_type", def.Type),
	}

	wasLive := o.Get(def.ID) != nil
	n, err := construct(factory, def, deps)
	if err == nil && n == nil {
		err = errors.WrapInvalid(fmt.Errorf("%w: factory returned no instance", errors.ErrInvalidNode),
			"Orchestrator", "start", fmt.Sprintf("construct %s", def.ID))
	}
	if err != nil {
		if !wasLive {
			o.remove(def.ID)
		}
		o.logger.Error("Failed to create node", "type", def.Type, "id", def.ID, "error", err)
		o.metrics.recordInstantiation(def.Type, "failed")
		return false
	}

	if o.Get(def.ID) == nil {
		// registered here so the next stop still closes it
		o.logger.Warn("Node did not register itself", "type", def.Type, "id", def.ID)
		o.Add(n)
	}
	o.metrics.recordInstantiation(def.Type, "created")
	return true
}

func construct(factory node.Factory, def flowstore.NodeDefinition, deps node.Dependencies) (n node.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			n = nil
			err = errors.WrapInvalid(fmt.Errorf("panic: %v", r), "Orchestrator", "start",
				fmt.Sprintf("construct %s", def.ID))
		}
	}()

	n, err = factory(def.Clone(), deps)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Orchestrator", "start", fmt.Sprintf("construct %s", def.ID))
	}
	return n, nil
}

func (o *Orchestrator) remove(id string) {
	o.mu.Lock()
	delete(o.nodes, id)
	count := len(o.nodes)
	o.mu.Unlock()
	o.metrics.setLiveNodes(count)
}

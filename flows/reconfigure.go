package flows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/flowstore"
)

// Load reads the persisted configuration and credentials and starts the
// flows. Live instances from an earlier load are stopped first. A storage
// failure is logged, leaves nothing running and is not returned; the only
// error is calling Load before Init.
func (o *Orchestrator) Load(ctx context.Context) (err error) {
	ctx, span := o.tracer.Start(ctx, "flows.Load")
	defer func() { endSpan(span, err) }()
	defer o.metrics.observe("load", time.Now())

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	return o.load(ctx)
}

// Reload stops the running flows and loads them again from storage
func (o *Orchestrator) Reload(ctx context.Context) (err error) {
	ctx, span := o.tracer.Start(ctx, "flows.Reload")
	defer func() { endSpan(span, err) }()

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.configStore() == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Orchestrator", "Reload", "config store check")
	}
	o.stop(ctx)
	return o.load(ctx)
}

func (o *Orchestrator) load(ctx context.Context) error {
	store := o.configStore()
	if store == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Orchestrator", "Load", "config store check")
	}

	if o.Len() > 0 {
		o.clear(ctx)
	}
	o.setState(StateLoading)

	flows, err := store.GetFlows(ctx)
	if err == nil {
		err = o.creds.Load(ctx)
	}
	if err != nil {
		o.logger.Error("Error loading flows", "error", err)
		o.setActive(flowstore.Flows{})
		o.setMissing(nil)
		o.setState(StateUnloaded)
		return nil
	}

	o.setActive(flows)
	if len(flows) == 0 {
		o.setMissing(nil)
		o.setState(StateRunning)
		return nil
	}
	o.start(ctx)
	return nil
}

// SetFlows applies a new configuration. Credentials are merged into the
// credential store and stripped from the definitions, both are persisted,
// and only then are the running flows stopped and the new ones started. A
// validation or persistence failure is returned and leaves the running
// flows, the active configuration and the credential records unchanged.
func (o *Orchestrator) SetFlows(ctx context.Context, config flowstore.Flows) (err error) {
	ctx, span := o.tracer.Start(ctx, "flows.SetFlows")
	defer func() { endSpan(span, err) }()
	defer o.metrics.observe("set_flows", time.Now())

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	store := o.configStore()
	if store == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Orchestrator", "SetFlows", "config store check")
	}
	if err := config.Validate(); err != nil {
		o.metrics.recordReconfiguration(false)
		return err
	}

	stripped, err := o.persist(ctx, store, config)
	if err != nil {
		o.metrics.recordReconfiguration(false)
		return err
	}

	o.stop(ctx)
	o.setActive(stripped)
	o.start(ctx)
	o.metrics.recordReconfiguration(true)
	return nil
}

// persist merges and strips credentials, then saves credentials and the
// stripped configuration. On failure the credential records are restored.
func (o *Orchestrator) persist(ctx context.Context, store flowstore.Store, config flowstore.Flows) (flowstore.Flows, error) {
	snapshot := o.creds.Snapshot()

	stripped := make(flowstore.Flows, len(config))
	for i, def := range config {
		if def.HasCredentials() {
			o.creds.Merge(def.ID, def.Type, def.Credentials)
			stripped[i] = def.WithoutCredentials()
			continue
		}
		stripped[i] = def.Clone()
	}

	if err := o.creds.Save(ctx); err != nil {
		o.creds.Restore(snapshot)
		return nil, errors.Wrap(err, "Orchestrator", "SetFlows", "save credentials")
	}

	if err := store.SaveFlows(ctx, stripped); err != nil {
		o.creds.Restore(snapshot)
		if rerr := o.creds.Save(ctx); rerr != nil {
			o.logger.Warn("Failed to restore saved credentials", "error", rerr)
		}
		return nil, errors.Wrap(err, "Orchestrator", "SetFlows", "save flows")
	}
	return stripped, nil
}

// StopFlows stops every instance. The active configuration is kept but a
// later type registration no longer restarts it.
func (o *Orchestrator) StopFlows(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "flows.StopFlows")
	defer span.End()

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.stop(ctx)
	o.setMissing(nil)
	o.setState(StateUnloaded)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

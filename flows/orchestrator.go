// Package flows runs the active flow configuration. The Orchestrator loads
// the configuration from a flowstore.Store, waits until every referenced
// node type is registered, constructs one instance per definition, and tears
// all of them down again before a new configuration is applied.
//
// Lifecycle operations (Load, SetFlows, StopFlows, Reload, Clear and the
// re-entry that follows a type registration) are serialized. Factories and
// event handlers run while that serialization is held, so they must not call
// back into those operations or register node types synchronously. Get, Add,
// Each, GetFlows and State never wait on an in-flight lifecycle operation.
package flows

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/nodeflows/credentials"
	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/events"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/metric"
	"github.com/c360/nodeflows/node"
)

// State is the orchestrator's position in its lifecycle
type State int

// Lifecycle states
const (
	StateUnloaded State = iota
	StateLoading
	StateAwaitingTypes
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateAwaitingTypes:
		return "awaiting_types"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// TypeRegistry resolves a type name to its factory
type TypeRegistry interface {
	Lookup(name string) (node.Factory, bool)
}

// CredentialStore holds the secret fields stripped from definitions
type CredentialStore interface {
	Merge(id, nodeType string, fields map[string]any)
	Save(ctx context.Context) error
	Load(ctx context.Context) error
	Clean(ctx context.Context, isLive func(id string) bool) error
	Get(id string) map[string]any
	Snapshot() map[string]credentials.Record
	Restore(snapshot map[string]credentials.Record)
}

// EventBus carries lifecycle signals
type EventBus interface {
	Publish(ctx context.Context, e events.Event)
	Subscribe(name events.Name, h events.Handler) func()
}

// Orchestrator owns the active configuration and the live instance table
type Orchestrator struct {
	types   TypeRegistry
	creds   CredentialStore
	bus     EventBus
	logger  *slog.Logger
	logSink func(node.LogEntry)
	metrics *flowMetrics
	tracer  trace.Tracer

	registrar      metric.MetricsRegistrar
	tracerProvider trace.TracerProvider

	lifecycle   sync.Mutex
	unsubscribe func()

	mu      sync.RWMutex
	store   flowstore.Store
	nodes   map[string]node.Node
	active  flowstore.Flows
	missing []string
	state   State
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for orchestrator lines
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogSink sets where instance log notifications go. The default writes
// them through the orchestrator's logger.
func WithLogSink(sink func(node.LogEntry)) Option {
	return func(o *Orchestrator) {
		o.logSink = sink
	}
}

// WithMetrics registers orchestrator metrics with registrar
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(o *Orchestrator) {
		o.registrar = registrar
	}
}

// WithTracerProvider sets the provider spans are created from
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		o.tracerProvider = tp
	}
}

// New creates an orchestrator. A nil credential store keeps credentials in
// memory only; a nil bus disables lifecycle signals and type-registered
// re-entry.
func New(types TypeRegistry, creds CredentialStore, bus EventBus, opts ...Option) (*Orchestrator, error) {
	if types == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "type registry cannot be nil")
	}
	if creds == nil {
		creds = credentials.NewStore(nil)
	}

	o := &Orchestrator{
		types:  types,
		creds:  creds,
		bus:    bus,
		logger: slog.Default(),
		nodes:  make(map[string]node.Node),
		state:  StateUnloaded,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.logSink == nil {
		o.logSink = node.SlogSink(o.logger)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	o.tracer = o.tracerProvider.Tracer("github.com/c360/nodeflows/flows")

	m, err := newFlowMetrics(o.registrar)
	if err != nil {
		return nil, errors.Wrap(err, "Orchestrator", "New", "register metrics")
	}
	o.metrics = m
	o.metrics.setState(StateUnloaded)

	return o, nil
}

// Init binds the configuration store and starts listening for type registrations
func (o *Orchestrator) Init(store flowstore.Store) error {
	if store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "Init", "config store cannot be nil")
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	o.store = store
	o.mu.Unlock()

	if o.bus != nil && o.unsubscribe == nil {
		o.unsubscribe = o.bus.Subscribe(events.TypeRegistered, o.onTypeRegistered)
	}
	return nil
}

// Close stops every instance and stops listening for type registrations
func (o *Orchestrator) Close(ctx context.Context) {
	o.StopFlows(ctx)

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
}

// Add registers n in the live table under its id, replacing any previous
// entry, and subscribes the log sink to it.
func (o *Orchestrator) Add(n node.Node) {
	if n == nil {
		return
	}
	id := n.ID()

	o.mu.Lock()
	_, replaced := o.nodes[id]
	o.nodes[id] = n
	count := len(o.nodes)
	o.mu.Unlock()

	if replaced {
		o.logger.Warn("Replacing live node", "id", id, "type", n.Type())
	}
	n.OnLog(o.logSink)
	o.metrics.setLiveNodes(count)
}

// Get returns the live instance for id, or nil
func (o *Orchestrator) Get(id string) node.Node {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nodes[id]
}

// Each calls visit once per live instance, in no particular order
func (o *Orchestrator) Each(visit func(n node.Node)) {
	for _, n := range o.liveNodes() {
		visit(n)
	}
}

// Len returns the number of live instances
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.nodes)
}

// GetFlows returns a copy of the active configuration
func (o *Orchestrator) GetFlows() flowstore.Flows {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.active == nil {
		return flowstore.Flows{}
	}
	return o.active.Clone()
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// MissingTypes returns the types the active configuration is waiting for
func (o *Orchestrator) MissingTypes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.missing)
}

func (o *Orchestrator) onTypeRegistered(ctx context.Context, e events.Event) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if len(o.missing) == 0 {
		o.mu.Unlock()
		return
	}
	idx := slices.Index(o.missing, e.TypeName)
	if idx >= 0 {
		o.missing = slices.Delete(o.missing, idx, idx+1)
	}
	remaining := len(o.missing)
	o.mu.Unlock()

	if idx >= 0 {
		o.logger.Info("Missing type registered", "type", e.TypeName, "remaining", remaining)
		o.metrics.setMissingTypes(remaining)
	}
	if remaining == 0 {
		o.start(ctx)
	}
}

func (o *Orchestrator) configStore() flowstore.Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.store
}

func (o *Orchestrator) liveNodes() []node.Node {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]node.Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		out = append(out, n)
	}
	return out
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.metrics.setState(s)
}

func (o *Orchestrator) setActive(flows flowstore.Flows) {
	o.mu.Lock()
	o.active = flows
	o.mu.Unlock()
}

func (o *Orchestrator) setMissing(missing []string) {
	o.mu.Lock()
	o.missing = missing
	o.mu.Unlock()
	o.metrics.setMissingTypes(len(missing))
}

func (o *Orchestrator) publish(ctx context.Context, name events.Name) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, events.NewEvent(name))
}

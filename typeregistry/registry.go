// Package typeregistry maps node type names to their factories. Registering
// a type publishes a type-registered event so a waiting orchestrator can
// resume starting its flows.
package typeregistry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/nodeflows/credentials"
	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/events"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
)

// Registration describes a node type
type Registration struct {
	Type        string
	Factory     node.Factory
	Description string
	Category    string
	// Schema is an optional JSON schema the definition's fields must satisfy
	Schema string
	// Credentials declares the secret fields the type accepts
	Credentials map[string]credentials.FieldType
}

// Info is the exported view of a registration
type Info struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	HasSchema   bool     `json:"has_schema"`
	Credentials []string `json:"credentials,omitempty"`
}

type entry struct {
	reg    Registration
	schema *gojsonschema.Schema
}

// Registry is a thread-safe set of node types
type Registry struct {
	mu        sync.RWMutex
	types     map[string]*entry
	publisher events.Publisher
	logger    *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithPublisher sets where type-registered events go
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		types:  make(map[string]*entry),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a type and announces it. The announcement runs on the
// caller's goroutine after the registry lock is released.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	if strings.TrimSpace(reg.Type) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "type name validation")
	}
	if reg.Type == flowstore.TypeWorkspace || reg.Type == flowstore.TypeTab {
		return errors.WrapInvalid(fmt.Errorf("%q is a reserved grouping type", reg.Type),
			"Registry", "Register", "type name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}

	e := &entry{reg: reg}
	if reg.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(reg.Schema))
		if err != nil {
			return errors.WrapInvalid(err, "Registry", "Register", fmt.Sprintf("compile schema for %s", reg.Type))
		}
		e.schema = schema
	}

	r.mu.Lock()
	if _, exists := r.types[reg.Type]; exists {
		r.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateType, reg.Type),
			"Registry", "Register", "duplicate type check")
	}
	r.types[reg.Type] = e
	r.mu.Unlock()

	r.logger.Debug("Registered node type", "type", reg.Type)

	if r.publisher != nil {
		ev := events.NewEvent(events.TypeRegistered)
		ev.TypeName = reg.Type
		r.publisher.Publish(ctx, ev)
	}
	return nil
}

// Lookup returns the factory for name. When the type has a schema the
// returned factory validates the definition before constructing.
func (r *Registry) Lookup(name string) (node.Factory, bool) {
	r.mu.RLock()
	e, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.schema == nil {
		return e.reg.Factory, true
	}
	return func(def flowstore.NodeDefinition, deps node.Dependencies) (node.Node, error) {
		if err := validateFields(e.schema, def); err != nil {
			return nil, err
		}
		return e.reg.Factory(def, deps)
	}, true
}

// Get returns the registration for name
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[name]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Types returns the registered type names, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info lists every registration, sorted by type
func (r *Registry) Info() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.types))
	for _, e := range r.types {
		fields := make([]string, 0, len(e.reg.Credentials))
		for f := range e.reg.Credentials {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out = append(out, Info{
			Type:        e.reg.Type,
			Description: e.reg.Description,
			Category:    e.reg.Category,
			HasSchema:   e.schema != nil,
			Credentials: fields,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// CredentialFields returns the declared credential fields for name. It
// satisfies credentials.Definitions.
func (r *Registry) CredentialFields(name string) (map[string]credentials.FieldType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[name]
	if !ok || len(e.reg.Credentials) == 0 {
		return nil, false
	}
	return maps.Clone(e.reg.Credentials), true
}

func validateFields(schema *gojsonschema.Schema, def flowstore.NodeDefinition) error {
	doc := def.Fields
	if doc == nil {
		doc = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "Lookup", fmt.Sprintf("validate %s", def.ID))
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidNode, strings.Join(msgs, "; ")),
		"Registry", "Lookup", fmt.Sprintf("validate %s against %s schema", def.ID, def.Type))
}

// Package events is the process-wide publish/subscribe bus for coarse
// lifecycle notifications. Handlers run synchronously on the publisher's
// goroutine in subscription order.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name identifies a signal on the bus
type Name string

// Signals published by the orchestrator and the type registry
const (
	NodesStarting  Name = "nodes-starting"
	NodesStarted   Name = "nodes-started"
	NodesStopping  Name = "nodes-stopping"
	NodesStopped   Name = "nodes-stopped"
	TypeRegistered Name = "type-registered"
)

// Event is a single notification
type Event struct {
	ID       string         `json:"id"`
	Name     Name           `json:"name"`
	Time     time.Time      `json:"time"`
	TypeName string         `json:"type_name,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a new event with an id and the current time
func NewEvent(name Name) Event {
	return Event{
		ID:   uuid.NewString(),
		Name: name,
		Time: time.Now().UTC(),
	}
}

// Handler receives events
type Handler func(ctx context.Context, e Event)

// Publisher is the publish side of the bus
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type subscription struct {
	id      uint64
	name    Name // empty for wildcard
	handler Handler
}

// Bus is an in-process event bus
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events named name. The returned func removes it.
func (b *Bus) Subscribe(name Name, h Handler) func() {
	return b.add(name, h)
}

// SubscribeAll registers h for every event
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(name Name, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every matching handler. A panicking handler is
// logged and does not stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == e.Name {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		b.dispatch(ctx, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "event", string(e.Name), "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, e)
}

package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/nodeflows/flowstore"
)

// Base implements Node bookkeeping for embedding in concrete types.
// Embedders override Close when they hold resources.
type Base struct {
	id   string
	typ  string
	name string

	mu        sync.RWMutex
	listeners []func(LogEntry)
	lastErr   error
}

// NewBase creates a Base from a definition
func NewBase(def flowstore.NodeDefinition) *Base {
	return &Base{
		id:   def.ID,
		typ:  def.Type,
		name: def.String("name", ""),
	}
}

// ID returns the instance id
func (b *Base) ID() string { return b.id }

// Type returns the registered type name
func (b *Base) Type() string { return b.typ }

// Name returns the display name, which may be empty
func (b *Base) Name() string { return b.name }

// Close is a no-op
func (b *Base) Close(context.Context) error { return nil }

// OnLog subscribes fn to log notifications
func (b *Base) OnLog(fn func(LogEntry)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Error records err and emits it as an error-level log notification
func (b *Base) Error(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.Log(LevelError, err.Error())
}

// LastError returns the most recent error passed to Error
func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Log emits a notification to every subscriber
func (b *Base) Log(level Level, msg string) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		NodeID:    b.id,
		NodeType:  b.typ,
		NodeName:  b.name,
		Message:   msg,
	}

	b.mu.RLock()
	listeners := make([]func(LogEntry), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(entry)
	}
}

// Info emits an info-level notification
func (b *Base) Info(format string, args ...any) {
	b.Log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn emits a warn-level notification
func (b *Base) Warn(format string, args ...any) {
	b.Log(LevelWarn, fmt.Sprintf(format, args...))
}

// Debug emits a debug-level notification
func (b *Base) Debug(format string, args ...any) {
	b.Log(LevelDebug, fmt.Sprintf(format, args...))
}

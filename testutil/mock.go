// Package testutil provides test doubles and fixtures for nodeflows packages.
package testutil

import (
	"context"
	"sync"

	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
)

// MockNode is a node.Node whose behavior is set through function fields.
// It records calls so tests can assert on lifecycle order.
type MockNode struct {
	*node.Base

	mu sync.Mutex

	// CloseFunc runs inside Close. Nil closes immediately.
	CloseFunc func(ctx context.Context) error

	CloseCalls int
	Errors     []error
	Def        flowstore.NodeDefinition
	Deps       node.Dependencies
}

// NewMockNode creates a mock for id and type
func NewMockNode(id, nodeType string) *MockNode {
	return NewMockNodeFromDefinition(flowstore.NodeDefinition{ID: id, Type: nodeType})
}

// NewMockNodeFromDefinition creates a mock that remembers def
func NewMockNodeFromDefinition(def flowstore.NodeDefinition) *MockNode {
	return &MockNode{Base: node.NewBase(def), Def: def}
}

// Close counts the call and runs CloseFunc
func (m *MockNode) Close(ctx context.Context) error {
	m.mu.Lock()
	m.CloseCalls++
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Error records err and forwards it to the embedded Base
func (m *MockNode) Error(err error) {
	m.mu.Lock()
	m.Errors = append(m.Errors, err)
	m.mu.Unlock()
	m.Base.Error(err)
}

// Closed returns how many times Close ran
func (m *MockNode) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

// ReportedErrors returns a copy of the errors passed to Error
func (m *MockNode) ReportedErrors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.Errors))
	copy(out, m.Errors)
	return out
}

// Factory builds MockNodes, registers them, and keeps every instance it made
type Factory struct {
	mu      sync.Mutex
	created []*MockNode

	// Configure runs on each new mock before it is registered
	Configure func(m *MockNode)
	// Err, when set, is returned instead of constructing
	Err error
	// Panic, when set, is raised instead of constructing
	Panic any
	// SkipRegister leaves the instance out of the live table
	SkipRegister bool
}

// New is a node.Factory
func (f *Factory) New(def flowstore.NodeDefinition, deps node.Dependencies) (node.Node, error) {
	if f.Panic != nil {
		panic(f.Panic)
	}
	if f.Err != nil {
		return nil, f.Err
	}

	m := NewMockNodeFromDefinition(def)
	m.Deps = deps
	if f.Configure != nil {
		f.Configure(m)
	}

	f.mu.Lock()
	f.created = append(f.created, m)
	f.mu.Unlock()

	if !f.SkipRegister && deps.Registrar != nil {
		deps.Registrar.Add(m)
	}
	return m, nil
}

// Created returns every mock built so far
func (f *Factory) Created() []*MockNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*MockNode, len(f.created))
	copy(out, f.created)
	return out
}

// Last returns the most recent mock, or nil
func (f *Factory) Last() *MockNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

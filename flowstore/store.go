// Package flowstore persists the ordered flow configuration. Backends share
// the Store contract: a missing document reads as an empty configuration and
// SaveFlows replaces the whole document.
package flowstore

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/c360/nodeflows/errors"
)

// Store is durable read/write of the flow configuration
type Store interface {
	GetFlows(ctx context.Context) (Flows, error)
	SaveFlows(ctx context.Context, flows Flows) error
}

// Format is a document encoding
type Format string

// Supported formats
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks a format from a file name extension. Unknown extensions use JSON.
func FormatFor(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Encode serializes flows. JSON output is indented for hand editing.
func Encode(flows Flows, format Format) ([]byte, error) {
	if flows == nil {
		flows = Flows{}
	}
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(flows)
		if err != nil {
			return nil, errors.WrapFatal(err, "flowstore", "Encode", "marshal yaml")
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(flows, "", "    ")
		if err != nil {
			return nil, errors.WrapFatal(err, "flowstore", "Encode", "marshal json")
		}
		return data, nil
	}
}

// Decode parses a document. Empty input decodes to an empty configuration.
func Decode(data []byte, format Format) (Flows, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Flows{}, nil
	}

	var flows Flows
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &flows)
	default:
		err = json.Unmarshal(data, &flows)
	}
	if err != nil {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrDataCorrupted, err), "flowstore", "Decode", "parse flows document")
	}
	if flows == nil {
		flows = Flows{}
	}
	return flows, nil
}

// MemoryStore keeps the configuration in process
type MemoryStore struct {
	mu    sync.RWMutex
	flows Flows
	saves int
}

// NewMemoryStore creates a store seeded with initial
func NewMemoryStore(initial Flows) *MemoryStore {
	return &MemoryStore{flows: initial.Clone()}
}

// GetFlows returns a copy of the stored configuration
func (m *MemoryStore) GetFlows(ctx context.Context) (Flows, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "MemoryStore", "GetFlows", "read flows")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.flows == nil {
		return Flows{}, nil
	}
	return m.flows.Clone(), nil
}

// SaveFlows replaces the stored configuration
func (m *MemoryStore) SaveFlows(ctx context.Context, flows Flows) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "MemoryStore", "SaveFlows", "write flows")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = flows.Clone()
	m.saves++
	return nil
}

// Saves returns how many times SaveFlows succeeded
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

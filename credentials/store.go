// Package credentials keeps secret node fields out of the flow document.
// Records are keyed by node id, merged in memory when a new configuration
// arrives, and persisted as a whole through a Backend.
package credentials

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/c360/nodeflows/errors"
)

// FieldType declares how a credential field is handled on merge
type FieldType string

// Field types
const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
)

// PasswordPlaceholder stands in for an unchanged password. Merging it keeps
// the stored value.
const PasswordPlaceholder = "__PWRD__"

// Record is the set of secret fields for one node
type Record = map[string]any

// Definitions returns the declared credential fields for a node type
type Definitions func(nodeType string) (map[string]FieldType, bool)

// Backend loads and saves every record at once
type Backend interface {
	Load(ctx context.Context) (map[string]Record, error)
	Save(ctx context.Context, records map[string]Record) error
}

// Store holds credential records in memory on top of a Backend
type Store struct {
	backend Backend
	defs    Definitions
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// Option configures a Store
type Option func(*Store)

// WithDefinitions sets the lookup for declared credential fields
func WithDefinitions(defs Definitions) Option {
	return func(s *Store) {
		s.defs = defs
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty store. A nil backend keeps records in memory only.
func NewStore(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Merge folds incoming fields into the record for id. When the type declares
// its fields, undeclared fields are dropped. An empty string removes a field
// and the password placeholder keeps the stored value.
func (s *Store) Merge(id, nodeType string, fields map[string]any) {
	var declared map[string]FieldType
	if s.defs != nil {
		declared, _ = s.defs(nodeType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := maps.Clone(s.records[id])
	if rec == nil {
		rec = make(Record, len(fields))
	}

	for name, value := range fields {
		fieldType := FieldText
		if declared != nil {
			t, ok := declared[name]
			if !ok {
				s.logger.Debug("Dropping undeclared credential field", "node_id", id, "type", nodeType, "field", name)
				continue
			}
			fieldType = t
		}

		str, isString := value.(string)
		switch {
		case isString && str == PasswordPlaceholder && (fieldType == FieldPassword || declared == nil):
		case isString && str == "":
			delete(rec, name)
		default:
			rec[name] = value
		}
	}

	if len(rec) == 0 {
		delete(s.records, id)
		return
	}
	s.records[id] = rec
}

// Get returns a copy of the record for id, or nil
func (s *Store) Get(id string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	return maps.Clone(rec)
}

// Delete removes the record for id
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// IDs returns the ids that have records, sorted
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load replaces the in-memory records with the backend's
func (s *Store) Load(ctx context.Context) error {
	records, err := s.backend.Load(ctx)
	if err != nil {
		return errors.WrapTransient(err, "credentials", "Load", "load records")
	}

	s.mu.Lock()
	s.records = copyRecords(records)
	count := len(s.records)
	s.mu.Unlock()

	s.logger.Debug("Loaded credentials", "records", count)
	return nil
}

// Save writes every record to the backend
func (s *Store) Save(ctx context.Context) error {
	snapshot := s.Snapshot()
	if err := s.backend.Save(ctx, snapshot); err != nil {
		return errors.WrapTransient(err, "credentials", "Save", "save records")
	}
	return nil
}

// Clean removes records whose id isLive rejects and saves if anything was removed
func (s *Store) Clean(ctx context.Context, isLive func(id string) bool) error {
	s.mu.Lock()
	var removed []string
	for id := range s.records {
		if !isLive(id) {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	sort.Strings(removed)
	s.logger.Debug("Removed orphaned credentials", "node_ids", removed)
	return s.Save(ctx)
}

// Snapshot returns a deep copy of every record
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecords(s.records)
}

// Restore replaces the in-memory records with a snapshot
func (s *Store) Restore(snapshot map[string]Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = copyRecords(snapshot)
}

func copyRecords(in map[string]Record) map[string]Record {
	out := make(map[string]Record, len(in))
	for id, rec := range in {
		out[id] = maps.Clone(rec)
	}
	return out
}

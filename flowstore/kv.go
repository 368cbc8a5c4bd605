package flowstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/natsclient"
)

// Default KV layout
const (
	DefaultBucket = "nodeflows_flows"
	DefaultKey    = "flows"
)

// KVStore persists the configuration as a single JSON document in NATS KV.
// Saves are compare-and-swap against the last revision read or written, so
// a concurrent writer surfaces as a transient conflict instead of being lost.
type KVStore struct {
	kv  *natsclient.KVStore
	key string

	mu       sync.Mutex
	revision uint64 // 0 when unknown
}

// NewKVStore opens (or creates) bucket and stores the document under key
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket, key string) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "flowstore", "NewKVStore", "nats client cannot be nil")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if key == "" {
		key = DefaultKey
	}

	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Flow configuration",
		History:     10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "NewKVStore", "create KV bucket")
	}

	return &KVStore{kv: client.NewKVStore(b), key: key}, nil
}

// NewKVStoreFromBucket wraps an already opened KV store
func NewKVStoreFromBucket(kv *natsclient.KVStore, key string) *KVStore {
	if key == "" {
		key = DefaultKey
	}
	return &KVStore{kv: kv, key: key}
}

// GetFlows reads the configuration. A missing key is an empty configuration.
func (s *KVStore) GetFlows(ctx context.Context) (Flows, error) {
	entry, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			s.setRevision(0)
			return Flows{}, nil
		}
		return nil, errors.WrapTransient(err, "flowstore", "GetFlows", "get from KV")
	}
	s.setRevision(entry.Revision)
	return Decode(entry.Value, FormatJSON)
}

// SaveFlows writes the configuration. When a revision is known the write
// fails with a transient error wrapping natsclient.ErrKVRevisionMismatch if
// someone else wrote the key since; GetFlows again before retrying.
func (s *KVStore) SaveFlows(ctx context.Context, flows Flows) error {
	data, err := Encode(flows, FormatJSON)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rev uint64
	if s.revision == 0 {
		rev, err = s.kv.Put(ctx, s.key, data)
	} else {
		rev, err = s.kv.Update(ctx, s.key, data, s.revision)
	}
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapTransient(err, "flowstore", "SaveFlows", "stale revision")
		}
		return errors.WrapTransient(err, "flowstore", "SaveFlows", "write to KV")
	}
	s.revision = rev
	return nil
}

// Revision returns the last revision read or written, 0 when unknown
func (s *KVStore) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *KVStore) setRevision(rev uint64) {
	s.mu.Lock()
	s.revision = rev
	s.mu.Unlock()
}

// Watch calls onChange in the background for every change to the key made
// after Watch is called, until ctx is done. Changes at or below the last
// revision this store read or wrote are skipped so its own saves do not
// trigger a reload.
func (s *KVStore) Watch(ctx context.Context, logger *slog.Logger, onChange func(ctx context.Context)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := s.kv.Watch(ctx, s.key, jetstream.UpdatesOnly())
	if err != nil {
		return errors.WrapTransient(err, "flowstore", "Watch", "watch KV key")
	}

	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil || entry.Revision() <= s.Revision() {
					continue
				}
				logger.Debug("Flows key changed", "key", s.key, "revision", entry.Revision(), "op", entry.Operation().String())
				onChange(ctx)
			}
		}
	}()

	logger.Info("Watching flows key", "key", s.key)
	return nil
}

package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"github.com/viant/scy"

	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/natsclient"
)

// DefaultKey is the KV key holding every record
const DefaultKey = "credentials"

// MemoryBackend keeps saved records in process
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]Record
	saves   int
	saveErr error
}

// NewMemoryBackend creates an empty MemoryBackend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

// Load returns a copy of the saved records
func (m *MemoryBackend) Load(ctx context.Context) (map[string]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRecords(m.records), nil
}

// Save replaces the saved records
func (m *MemoryBackend) Save(ctx context.Context, records map[string]Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records = copyRecords(records)
	m.saves++
	return nil
}

// FailSaves makes subsequent saves return err. Nil clears it.
func (m *MemoryBackend) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Saves returns how many saves succeeded
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FileBackend stores records as plain JSON at an afs URL
type FileBackend struct {
	fs  afs.Service
	url string
}

// NewFileBackend creates a backend for location. Bare paths are local files.
func NewFileBackend(location string) (*FileBackend, error) {
	if location == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "credentials", "NewFileBackend", "location cannot be empty")
	}
	return &FileBackend{fs: afs.New(), url: url.Normalize(location, file.Scheme)}, nil
}

// Load reads the file. A missing file holds no records.
func (b *FileBackend) Load(ctx context.Context) (map[string]Record, error) {
	exists, err := b.fs.Exists(ctx, b.url)
	if err != nil {
		return nil, err
	}
	if !exists {
		return map[string]Record{}, nil
	}
	data, err := b.fs.DownloadWithURL(ctx, b.url)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.url, err)
	}
	return decodeRecords(data)
}

// Save writes the file
func (b *FileBackend) Save(ctx context.Context, records map[string]Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return b.fs.Upload(ctx, b.url, 0o600, bytes.NewReader(data))
}

// SecureBackend stores records encrypted with scy at an afs URL. Key names a
// scy cipher key such as "blowfish://default".
type SecureBackend struct {
	fs  afs.Service
	scy *scy.Service
	url string
	key string
}

// NewSecureBackend creates an encrypted backend
func NewSecureBackend(location, key string) (*SecureBackend, error) {
	if location == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "credentials", "NewSecureBackend", "location cannot be empty")
	}
	if key == "" {
		key = "blowfish://default"
	}
	return &SecureBackend{
		fs:  afs.New(),
		scy: scy.New(),
		url: url.Normalize(location, file.Scheme),
		key: key,
	}, nil
}

// Load decrypts the file. A missing file holds no records.
func (b *SecureBackend) Load(ctx context.Context) (map[string]Record, error) {
	exists, err := b.fs.Exists(ctx, b.url)
	if err != nil {
		return nil, err
	}
	if !exists {
		return map[string]Record{}, nil
	}
	secret, err := b.scy.Load(ctx, scy.NewResource(nil, b.url, b.key))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", b.url, err)
	}
	return decodeRecords([]byte(secret.String()))
}

// Save encrypts and writes the file
func (b *SecureBackend) Save(ctx context.Context, records map[string]Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	secret := scy.NewSecret(string(data), scy.NewResource(nil, b.url, b.key))
	return b.scy.Store(ctx, secret)
}

// KVBackend stores records as one JSON value in NATS KV
type KVBackend struct {
	kv  *natsclient.KVStore
	key string
}

// NewKVBackend wraps an opened KV store
func NewKVBackend(kv *natsclient.KVStore, key string) *KVBackend {
	if key == "" {
		key = DefaultKey
	}
	return &KVBackend{kv: kv, key: key}
}

// Load reads the value. A missing key holds no records.
func (b *KVBackend) Load(ctx context.Context) (map[string]Record, error) {
	entry, err := b.kv.Get(ctx, b.key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return map[string]Record{}, nil
		}
		return nil, err
	}
	return decodeRecords(entry.Value)
}

// Save writes the value. Saving no records removes the key.
func (b *KVBackend) Save(ctx context.Context, records map[string]Record) error {
	if len(records) == 0 {
		if err := b.kv.Delete(ctx, b.key); err != nil && !natsclient.IsKVNotFoundError(err) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	_, err = b.kv.Put(ctx, b.key, data)
	return err
}

func decodeRecords(data []byte) (map[string]Record, error) {
	records := map[string]Record{}
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Join(errors.ErrDataCorrupted, err)
	}
	if records == nil {
		records = map[string]Record{}
	}
	return records, nil
}

package flowstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/c360/nodeflows/errors"
)

// BackupSuffix is appended to the flows URL for the previous document
const BackupSuffix = ".backup"

// FileStore persists the configuration as a JSON or YAML document at any
// afs-supported URL (local paths, mem://, cloud storage). The format follows
// the file extension.
type FileStore struct {
	fs     afs.Service
	url    string
	format Format
	backup bool
	mu     sync.Mutex
}

// FileOption configures a FileStore
type FileOption func(*FileStore)

// WithBackup toggles copying the previous document to <url>.backup before each save
func WithBackup(enabled bool) FileOption {
	return func(s *FileStore) {
		s.backup = enabled
	}
}

// WithFileSystem overrides the afs service
func WithFileSystem(fs afs.Service) FileOption {
	return func(s *FileStore) {
		s.fs = fs
	}
}

// NewFileStore creates a store for location. Bare paths are treated as local files.
func NewFileStore(location string, opts ...FileOption) (*FileStore, error) {
	if location == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "flowstore", "NewFileStore", "location cannot be empty")
	}

	s := &FileStore{
		fs:     afs.New(),
		url:    url.Normalize(location, file.Scheme),
		format: FormatFor(location),
		backup: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// URL returns the normalized document URL
func (s *FileStore) URL() string {
	return s.url
}

// GetFlows reads the document. A missing file is an empty configuration.
func (s *FileStore) GetFlows(ctx context.Context) (Flows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.fs.Exists(ctx, s.url)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "GetFlows", "check flows file")
	}
	if !exists {
		return Flows{}, nil
	}

	data, err := s.fs.DownloadWithURL(ctx, s.url)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "GetFlows", fmt.Sprintf("read %s", s.url))
	}
	return Decode(data, s.format)
}

// SaveFlows writes the document, keeping the previous one as a backup
func (s *FileStore) SaveFlows(ctx context.Context, flows Flows) error {
	data, err := Encode(flows, s.format)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backup {
		exists, err := s.fs.Exists(ctx, s.url)
		if err != nil {
			return errors.WrapTransient(err, "FileStore", "SaveFlows", "check flows file")
		}
		if exists {
			if err := s.fs.Copy(ctx, s.url, s.url+BackupSuffix); err != nil {
				return errors.WrapTransient(err, "FileStore", "SaveFlows", "write backup")
			}
		}
	}

	if err := s.fs.Upload(ctx, s.url, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return errors.WrapTransient(err, "FileStore", "SaveFlows", fmt.Sprintf("write %s", s.url))
	}
	return nil
}

package flowstore

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/c360/nodeflows/errors"
)

// BlobStore persists the configuration as an object in a gocloud bucket
// (s3://, gs://, azblob://, file://, mem://).
type BlobStore struct {
	bucket *blob.Bucket
	key    string
	format Format
}

// OpenBlobStore opens bucketURL and stores the document under key
func OpenBlobStore(ctx context.Context, bucketURL, key string) (*BlobStore, error) {
	if key == "" {
		key = "flows.json"
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "BlobStore", "OpenBlobStore", fmt.Sprintf("open bucket %s", bucketURL))
	}
	return NewBlobStore(bucket, key), nil
}

// NewBlobStore wraps an open bucket
func NewBlobStore(bucket *blob.Bucket, key string) *BlobStore {
	return &BlobStore{bucket: bucket, key: key, format: FormatFor(key)}
}

// GetFlows reads the object. A missing object is an empty configuration.
func (s *BlobStore) GetFlows(ctx context.Context) (Flows, error) {
	data, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return Flows{}, nil
		}
		return nil, errors.WrapTransient(err, "BlobStore", "GetFlows", fmt.Sprintf("read %s", s.key))
	}
	return Decode(data, s.format)
}

// SaveFlows writes the object
func (s *BlobStore) SaveFlows(ctx context.Context, flows Flows) error {
	data, err := Encode(flows, s.format)
	if err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, s.key, data, nil); err != nil {
		return errors.WrapTransient(err, "BlobStore", "SaveFlows", fmt.Sprintf("write %s", s.key))
	}
	return nil
}

// Close releases the bucket
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

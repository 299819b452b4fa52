package natsutil

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrBlobNotFound is returned when a blob key does not exist in the bucket.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is durable byte storage for raw audio chunks, backed by a
// JetStream object store bucket.
type BlobStore struct {
	obs nats.ObjectStore
}

// EnsureBlobBucket creates the object store bucket if it doesn't exist.
func (h *Handle) EnsureBlobBucket(bucket string) (*BlobStore, error) {
	obs, err := h.js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrStreamNotFound) {
		obs, err = h.js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:  bucket,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("natsutil: ensure blob bucket %s: %w", bucket, err)
	}
	return &BlobStore{obs: obs}, nil
}

// Put stores bytes under key.
func (b *BlobStore) Put(key string, data []byte) error {
	if _, err := b.obs.PutBytes(key, data); err != nil {
		return fmt.Errorf("natsutil: blob put %s: %w", key, err)
	}
	return nil
}

// Get fetches the bytes stored under key.
func (b *BlobStore) Get(key string) ([]byte, error) {
	data, err := b.obs.GetBytes(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("natsutil: blob get %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob under key. Deleting a missing key returns
// ErrBlobNotFound so callers can distinguish the already-deleted case.
func (b *BlobStore) Delete(key string) error {
	if err := b.obs.Delete(key); err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("natsutil: blob delete %s: %w", key, err)
	}
	return nil
}

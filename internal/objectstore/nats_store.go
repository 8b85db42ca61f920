// Package objectstore keeps generated audio in a NATS JetStream object store
// bucket so API and worker processes on different hosts share it.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"

	"slidegen/internal/domain"
	"slidegen/internal/storage"
)

// NatsObjectStore stores audio objects in a JetStream bucket.
type NatsObjectStore struct {
	bucket    string
	store     nats.ObjectStore
	publicURL string
}

// New binds to bucket, creating it on first use.
func New(js nats.JetStreamContext, bucket, publicURL string) (*NatsObjectStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Narration audio for the %s bucket.", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		existing, bindErr := js.ObjectStore(bucket)
		if bindErr != nil {
			return nil, fmt.Errorf("objectstore: create bucket %q: %w", bucket, errors.Join(err, bindErr))
		}
		store = existing
	}
	return &NatsObjectStore{bucket: bucket, store: store, publicURL: publicURL}, nil
}

// Bucket returns the bucket name.
func (n *NatsObjectStore) Bucket() string { return n.bucket }

// Save uploads data and returns its public reference.
func (n *NatsObjectStore) Save(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := storage.SanitizeKey(key)
	if err != nil {
		return "", err
	}
	if err := n.upload(ctx, cleanKey, data, contentType); err != nil {
		return "", err
	}
	return storage.PublicURL(n.publicURL, cleanKey), nil
}

func (n *NatsObjectStore) upload(ctx context.Context, key string, data []byte, contentType string) error {
	meta := &nats.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{}
		meta.Headers.Set("Content-Type", contentType)
	}
	if _, err := n.store.Put(meta, bytes.NewReader(data), nats.Context(ctx)); err != nil {
		return fmt.Errorf("objectstore: put %q to bucket %q: %w", key, n.bucket, err)
	}
	return nil
}

// Download retrieves an object. Unknown keys map to domain.ErrNotFound.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	cleanKey, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := n.store.Get(cleanKey, nats.Context(ctx))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, fmt.Errorf("objectstore: %s: %w", cleanKey, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %q from bucket %q: %w", cleanKey, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("objectstore: read %q: %w", cleanKey, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("objectstore: close %q: %w", cleanKey, closeErr)
	}
	return data, nil
}

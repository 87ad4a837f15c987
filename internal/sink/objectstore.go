package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/nats-io/nats.go"
)

// ObjectStore keeps artifacts in a JetStream object store bucket.
type ObjectStore struct {
	store  nats.ObjectStore
	bucket string
	logger *slog.Logger
}

func NewObjectStore(busClient *bus.Client, bucket string, logger *slog.Logger) (*ObjectStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("object store bucket not configured")
	}
	store, err := busClient.ObjectStore(bucket)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{
		store:  store,
		bucket: bucket,
		logger: logger.With(slog.String("component", "sink-objectstore")),
	}, nil
}

func (o *ObjectStore) Persist(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	_, err := o.store.PutBytes(name, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	o.logger.Debug("artifact stored", slog.String("bucket", o.bucket), slog.String("name", name))
	return nil
}

// Package sink persists rendered artifacts under a caller-chosen name.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

var ErrInvalidName = errors.New("invalid artifact name")

// Sink is satisfied by every backend in this package.
type Sink interface {
	Persist(ctx context.Context, name string, data []byte) error
}

// New builds the sink selected by cfg.Mode.
func New(ctx context.Context, cfg config.SinkConfig, busClient *bus.Client, logger *slog.Logger) (Sink, error) {
	switch cfg.Mode {
	case "", "dir":
		return NewDir(cfg.Directory, logger)
	case "s3":
		return NewS3(ctx, cfg.S3, logger)
	case "objectstore":
		if busClient == nil {
			return nil, errors.New("objectstore sink requires a NATS connection")
		}
		return NewObjectStore(busClient, cfg.ObjectStore.Bucket, logger)
	default:
		return nil, fmt.Errorf("unsupported sink mode %q", cfg.Mode)
	}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

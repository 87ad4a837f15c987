package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 uploads artifacts to an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

func NewS3(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With(slog.String("component", "sink-s3")),
	}, nil
}

func (s *S3) Persist(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	key := name
	if s.prefix != "" {
		key = path.Join(s.prefix, name)
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType(name),
		UserMetadata: map[string]string{"rendered-at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug("artifact uploaded", slog.String("bucket", s.bucket), slog.String("key", key))
	return nil
}

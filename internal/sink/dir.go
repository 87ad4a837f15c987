package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Dir writes artifacts into one flat directory.
type Dir struct {
	root   string
	logger *slog.Logger
}

func NewDir(root string, logger *slog.Logger) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("sink directory not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	return &Dir{root: root, logger: logger.With(slog.String("component", "sink-dir"))}, nil
}

// Persist writes to a temporary file and renames it into place so readers
// never observe a partial artifact.
func (d *Dir) Persist(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.root, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	target := filepath.Join(d.root, name)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename artifact: %w", err)
	}
	d.logger.Debug("artifact written", slog.String("path", target), slog.Int("bytes", len(data)))
	return nil
}

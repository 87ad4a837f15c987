package intake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loqalabs/loqa-narrator/internal/batch"
)

const defaultSettle = 500 * time.Millisecond

// Watcher enqueues files that appear in a directory once they stop changing.
type Watcher struct {
	dir     string
	gateway *batch.Gateway
	settle  time.Duration
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher returns a watcher for dir. settle is how long a file must stay
// quiet before it is enqueued; zero selects a default.
func NewWatcher(parent context.Context, dir string, gateway *batch.Gateway, settle time.Duration, logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = defaultSettle
	}
	ctx, cancel := context.WithCancel(parent)
	return &Watcher{
		dir:     dir,
		gateway: gateway,
		settle:  settle,
		logger:  logger.With(slog.String("component", "intake-watcher")),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
	}
}

func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watching for documents", slog.String("dir", w.dir), slog.String("extension", w.gateway.Extension()))
	return nil
}

func (w *Watcher) Close() {
	w.cancel()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
}

func (w *Watcher) Healthy() bool { return w.watcher != nil && w.ctx.Err() == nil }

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.gateway.Enqueue(batch.FileDocument{Path: path})
}

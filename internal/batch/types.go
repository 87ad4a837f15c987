// Package batch implements the document narration engine: a FIFO queue that
// admits text documents, drains them one at a time, and renders each one into
// per-chunk and full audio artifacts for every configured voice.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued item.
type Status int32

const (
	StatusPending Status = iota
	StatusProcessing
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Document is a named handle whose text is read lazily when the item is drained.
type Document interface {
	Name() string
	Text(ctx context.Context) (string, error)
}

// Renderer turns one chunk of text into audio. An empty voice selects the
// renderer's default voice.
type Renderer interface {
	Render(ctx context.Context, text, voice string) ([]byte, error)
}

// Sink persists a named artifact.
type Sink interface {
	Persist(ctx context.Context, name string, data []byte) error
}

// Splitter maps document text to ordered chunks sized for the renderer.
type Splitter interface {
	Split(text string) ([]string, error)
}

// SplitterFunc adapts a function to the Splitter interface.
type SplitterFunc func(text string) ([]string, error)

func (f SplitterFunc) Split(text string) ([]string, error) { return f(text) }

// Item is one admitted document. Its status is only advanced by the drain loop.
type Item struct {
	ID         string
	Name       string
	Document   Document
	EnqueuedAt time.Time

	mu     sync.Mutex
	status Status
	err    error
}

// NewItem wraps doc in a pending item.
func NewItem(doc Document) *Item {
	return &Item{
		ID:         uuid.NewString(),
		Name:       doc.Name(),
		Document:   doc,
		EnqueuedAt: time.Now().UTC(),
		status:     StatusPending,
	}
}

func (i *Item) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Err returns the failure that moved the item to StatusFailed, if any.
func (i *Item) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Item) setStatus(status Status, err error) {
	i.mu.Lock()
	i.status = status
	i.err = err
	i.mu.Unlock()
}

package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Gateway admits documents whose name carries the document extension and
// kicks the queue.
type Gateway struct {
	queue    *Queue
	ext      string
	observer Observer
}

func NewGateway(queue *Queue, documentExt string, observer Observer) *Gateway {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Gateway{queue: queue, ext: documentExt, observer: observer}
}

// Extension returns the case-sensitive suffix admitted documents must carry.
func (g *Gateway) Extension() string { return g.ext }

// Accepts reports whether a document with this name would be admitted.
func (g *Gateway) Accepts(name string) bool {
	return strings.HasSuffix(name, g.ext)
}

// Enqueue appends matching documents in argument order and returns the
// admitted items. Other documents are dropped and only counted. The queue is
// kicked even when nothing was admitted.
func (g *Gateway) Enqueue(docs ...Document) []*Item {
	admitted := make([]*Item, 0, len(docs))
	skipped := 0
	for _, doc := range docs {
		if doc == nil || !g.Accepts(doc.Name()) {
			skipped++
			continue
		}
		item := NewItem(doc)
		admitted = append(admitted, item)
		emit(g.observer, Event{Type: EventItemAdmitted, ItemID: item.ID, Document: item.Name})
	}
	if skipped > 0 {
		emit(g.observer, Event{Type: EventItemsSkipped, Skipped: skipped})
	}
	g.queue.Push(admitted...)
	g.queue.Kick()
	return admitted
}

// FileDocument reads its text from disk when drained.
type FileDocument struct {
	Path string
}

func (d FileDocument) Name() string { return filepath.Base(d.Path) }

func (d FileDocument) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", d.Path, err)
	}
	return string(data), nil
}

// TextDocument is a document already held in memory, such as an upload.
type TextDocument struct {
	Filename string
	Body     string
}

func (d TextDocument) Name() string { return d.Filename }

func (d TextDocument) Text(context.Context) (string, error) { return d.Body, nil }

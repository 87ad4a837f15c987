package batch

import (
	"strings"
	"testing"
)

func TestGatewayFiltersByExtension(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	items := h.gateway.Enqueue(
		TextDocument{Filename: "a.txt", Body: "alpha"},
		TextDocument{Filename: "b.doc", Body: "bravo"},
		TextDocument{Filename: "c.txt", Body: "charlie"},
	)
	h.wait(t)

	if len(items) != 2 || items[0].Name != "a.txt" || items[1].Name != "c.txt" {
		t.Fatalf("expected a.txt and c.txt admitted, got %+v", items)
	}
	for _, e := range h.events.Events() {
		if strings.Contains(e.Document, "b.doc") || strings.HasPrefix(e.Artifact, "b") {
			t.Fatalf("skipped file leaked into event %+v", e)
		}
	}
	for _, name := range h.sink.Names() {
		if strings.HasPrefix(name, "b") {
			t.Fatalf("skipped file produced artifact %s", name)
		}
	}
	skipped := h.events.OfType(EventItemsSkipped)
	if len(skipped) != 1 || skipped[0].Skipped != 1 {
		t.Fatalf("expected one skip event counting 1 file, got %+v", skipped)
	}
	if got := h.events.OfType(EventItemAdmitted); len(got) != 2 {
		t.Fatalf("expected two admission events, got %d", len(got))
	}
}

func TestGatewayExtensionIsCaseSensitive(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	items := h.gateway.Enqueue(TextDocument{Filename: "LOUD.TXT", Body: "x"})
	h.wait(t)
	if len(items) != 0 {
		t.Fatalf("expected upper-case extension to be skipped, got %+v", items)
	}
}

func TestGatewayAdmittedItemsStartPending(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.queue.Close()

	items := h.gateway.Enqueue(TextDocument{Filename: "later.txt", Body: "x"})
	if len(items) != 1 || items[0].Status() != StatusPending {
		t.Fatalf("expected pending item, got %+v", items)
	}
	if items[0].ID == "" {
		t.Fatal("expected item id")
	}
	if h.queue.Len() != 1 {
		t.Fatalf("expected item queued, got %d", h.queue.Len())
	}
}

func TestGatewayEmptyEnqueueStillKicks(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.queue.Push(NewItem(TextDocument{Filename: "stale.txt", Body: "s"}))

	h.gateway.Enqueue()
	h.wait(t)

	if got := h.renderer.Calls(); len(got) != 1 {
		t.Fatalf("expected pushed item drained by empty enqueue, got %v", got)
	}
}

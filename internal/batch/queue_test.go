package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestQueueProcessesInEnqueueOrder(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.gateway.Enqueue(
		TextDocument{Filename: "d1.txt", Body: "d1a|d1b"},
		TextDocument{Filename: "d2.txt", Body: "d2a"},
	)
	h.gateway.Enqueue(TextDocument{Filename: "d3.txt", Body: "d3a|d3b"})
	h.wait(t)

	want := []string{"|d1a", "|d1b", "|d2a", "|d3a", "|d3b"}
	got := h.renderer.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected render order %v, got %v", want, got)
	}

	// Each document's session starts only after the previous one terminated.
	var order []string
	for _, e := range h.events.Events() {
		switch e.Type {
		case EventItemProcessing:
			order = append(order, "start:"+e.Document)
		case EventItemDone, EventItemFailed:
			order = append(order, "end:"+e.Document)
		}
	}
	wantOrder := "start:d1.txt,end:d1.txt,start:d2.txt,end:d2.txt,start:d3.txt,end:d3.txt"
	if strings.Join(order, ",") != wantOrder {
		t.Fatalf("unexpected session order %v", order)
	}
}

func TestQueueSingleFlight(t *testing.T) {
	renderer := &fakeRenderer{block: make(chan struct{}), entered: make(chan struct{}, 16)}
	h := newHarness(t, renderer, EngineConfig{})

	first := h.gateway.Enqueue(TextDocument{Filename: "one.txt", Body: "x"})
	waitEntered(t, renderer)

	if h.queue.Kick() {
		t.Fatal("a second drain started while one was active")
	}
	if h.queue.Drain() {
		t.Fatal("a synchronous drain started while one was active")
	}
	second := h.gateway.Enqueue(TextDocument{Filename: "two.txt", Body: "y"})
	if !h.queue.Running() {
		t.Fatal("expected drain to still be running")
	}
	close(renderer.block)
	h.wait(t)

	if got := renderer.Calls(); len(got) != 2 || got[0] != "|x" || got[1] != "|y" {
		t.Fatalf("expected each item rendered exactly once, got %v", got)
	}
	if max := renderer.maxActive.Load(); max != 1 {
		t.Fatalf("expected one active render at a time, saw %d", max)
	}
	if first[0].Status() != StatusDone || second[0].Status() != StatusDone {
		t.Fatalf("expected both items done, got %s and %s", first[0].Status(), second[0].Status())
	}
	if h.queue.Running() {
		t.Fatal("running flag must be cleared after draining")
	}
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.gateway.Enqueue(TextDocument{Filename: fmt.Sprintf("doc-%02d.txt", i), Body: fmt.Sprintf("body-%02d", i)})
		}(i)
	}
	wg.Wait()
	h.wait(t)

	calls := h.renderer.Calls()
	if len(calls) != n {
		t.Fatalf("expected %d renders, got %d", n, len(calls))
	}
	seen := make(map[string]bool, n)
	for _, c := range calls {
		if seen[c] {
			t.Fatalf("item rendered twice: %s", c)
		}
		seen[c] = true
	}
	if max := h.renderer.maxActive.Load(); max != 1 {
		t.Fatalf("expected one active render at a time, saw %d", max)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", h.queue.Len())
	}
}

func TestQueueFailureIsolation(t *testing.T) {
	renderer := &fakeRenderer{fail: func(text, voice string) error {
		if text == "d2b" {
			return errors.New("renderer unavailable")
		}
		return nil
	}}
	h := newHarness(t, renderer, EngineConfig{})
	items := h.gateway.Enqueue(
		TextDocument{Filename: "d1.txt", Body: "d1a|d1b"},
		TextDocument{Filename: "d2.txt", Body: "d2a|d2b|d2c"},
		TextDocument{Filename: "d3.txt", Body: "d3a"},
	)
	h.wait(t)

	if items[0].Status() != StatusDone {
		t.Fatalf("d1 expected done, got %s", items[0].Status())
	}
	if items[1].Status() != StatusFailed {
		t.Fatalf("d2 expected failed, got %s", items[1].Status())
	}
	if !errors.Is(items[1].Err(), ErrRenderFailed) {
		t.Fatalf("d2 expected render failure, got %v", items[1].Err())
	}
	if items[2].Status() != StatusDone {
		t.Fatalf("d3 expected done, got %s", items[2].Status())
	}
	for _, name := range h.sink.Names() {
		if name == "d2_FULL.mp3" || name == "d2_chunk_2.mp3" {
			t.Fatalf("artifact %s must not be persisted after failure", name)
		}
	}
	completed := h.events.OfType(EventBatchCompleted)
	if len(completed) == 0 {
		t.Fatal("expected batch completed event")
	}
	last := completed[len(completed)-1]
	if last.Done+last.Failed == 0 {
		t.Fatalf("expected counts on batch completion, got %+v", last)
	}
}

func TestQueueSplitFailure(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.queue.splitter = SplitterFunc(func(text string) ([]string, error) {
		if text == "" {
			return nil, errors.New("document is empty")
		}
		return []string{text}, nil
	})
	items := h.gateway.Enqueue(
		TextDocument{Filename: "empty.txt"},
		TextDocument{Filename: "full.txt", Body: "hello"},
	)
	h.wait(t)

	if !errors.Is(items[0].Err(), ErrSplitFailed) {
		t.Fatalf("expected split failure, got %v", items[0].Err())
	}
	if items[1].Status() != StatusDone {
		t.Fatalf("expected second document done, got %s", items[1].Status())
	}
	if got := h.renderer.Calls(); len(got) != 1 {
		t.Fatalf("empty document must not reach the renderer, got %v", got)
	}
}

func TestQueueReadFailure(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	items := h.gateway.Enqueue(FileDocument{Path: filepath.Join(t.TempDir(), "gone.txt")})
	h.wait(t)

	if items[0].Status() != StatusFailed || !errors.Is(items[0].Err(), ErrReadFailed) {
		t.Fatalf("expected read failure, got %s %v", items[0].Status(), items[0].Err())
	}
}

func TestQueueCloseAbandonsInFlightItem(t *testing.T) {
	renderer := &fakeRenderer{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	h := newHarness(t, renderer, EngineConfig{})
	items := h.gateway.Enqueue(
		TextDocument{Filename: "a.txt", Body: "a"},
		TextDocument{Filename: "b.txt", Body: "b"},
	)
	waitEntered(t, renderer)

	h.queue.Close()

	if items[0].Status() != StatusFailed || !errors.Is(items[0].Err(), context.Canceled) {
		t.Fatalf("expected in-flight item cancelled, got %s %v", items[0].Status(), items[0].Err())
	}
	if items[1].Status() != StatusPending {
		t.Fatalf("expected queued item to stay pending, got %s", items[1].Status())
	}
	if h.queue.Len() != 1 {
		t.Fatalf("expected one pending item, got %d", h.queue.Len())
	}
	if h.queue.Running() {
		t.Fatal("expected drain to stop after close")
	}
	if h.queue.Kick() {
		t.Fatal("closed queue must not start draining")
	}
}

func TestQueueRestartsAfterIdle(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.gateway.Enqueue(TextDocument{Filename: "first.txt", Body: "1"})
	h.wait(t)
	h.gateway.Enqueue(TextDocument{Filename: "second.txt", Body: "2"})
	h.wait(t)

	if got := h.renderer.Calls(); len(got) != 2 {
		t.Fatalf("expected a later enqueue to restart draining, got %v", got)
	}
}

func TestQueueSynchronousDrain(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	item := NewItem(TextDocument{Filename: "sync.txt", Body: "a|b"})
	h.queue.Push(item)

	if !h.queue.Drain() {
		t.Fatal("expected drain to run")
	}
	if item.Status() != StatusDone {
		t.Fatalf("expected done, got %s", item.Status())
	}
}

func TestQueueReportsCompletionOncePerDrain(t *testing.T) {
	events := &recorder{}
	var q *Queue
	var pushed atomic.Bool
	observer := ObserverFunc(func(e Event) {
		events.Observe(e)
		if e.Type == EventBatchCompleted && pushed.CompareAndSwap(false, true) {
			q.Push(NewItem(TextDocument{Filename: "late.txt", Body: "late"}))
		}
	})
	engine, err := NewEngine(&fakeRenderer{}, newMemSink(), EngineConfig{DocumentExtension: ".txt", AudioExtension: "mp3"}, observer)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	q = NewQueue(context.Background(), engine, pipeSplitter, observer)
	t.Cleanup(q.Close)

	q.Push(
		NewItem(TextDocument{Filename: "a.txt", Body: "a1|a2"}),
		NewItem(TextDocument{Filename: "b.txt", Body: "b1"}),
	)
	if !q.Drain() {
		t.Fatal("expected drain to run")
	}

	completed := events.OfType(EventBatchCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one completion per drain, got %d", len(completed))
	}
	if completed[0].Done != 2 || completed[0].Failed != 0 {
		t.Fatalf("unexpected completion counts %+v", completed[0])
	}
	if q.Len() != 1 {
		t.Fatalf("item pushed after release should stay pending, got %d", q.Len())
	}

	if !q.Drain() {
		t.Fatal("expected second drain to run")
	}
	completed = events.OfType(EventBatchCompleted)
	if len(completed) != 2 || completed[1].Done != 1 {
		t.Fatalf("unexpected completions %+v", completed)
	}
}

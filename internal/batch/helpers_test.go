package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	names  []string
	data   map[string][]byte
	failOn string
}

func newMemSink() *memSink {
	return &memSink{data: make(map[string][]byte)}
}

func (m *memSink) Persist(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && name == m.failOn {
		return errors.New("disk full")
	}
	m.names = append(m.names, name)
	m.data[name] = append([]byte(nil), data...)
	return nil
}

func (m *memSink) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

func (m *memSink) Get(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[name]
}

type fakeRenderer struct {
	mu      sync.Mutex
	calls   []string
	fail    func(text, voice string) error
	block   chan struct{}
	entered chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeRenderer) Render(ctx context.Context, text, voice string) ([]byte, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		max := f.maxActive.Load()
		if n <= max || f.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, voice+"|"+text)
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(text, voice); err != nil {
			return nil, err
		}
	}
	return []byte(fmt.Sprintf("<%s:%s>", voice, text)), nil
}

func (f *fakeRenderer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var pipeSplitter = SplitterFunc(func(text string) ([]string, error) {
	return strings.Split(text, "|"), nil
})

type harness struct {
	queue    *Queue
	gateway  *Gateway
	renderer *fakeRenderer
	sink     *memSink
	events   *recorder
}

func newHarness(t *testing.T, renderer *fakeRenderer, cfg EngineConfig) *harness {
	t.Helper()
	if renderer == nil {
		renderer = &fakeRenderer{}
	}
	if cfg.DocumentExtension == "" {
		cfg.DocumentExtension = ".txt"
	}
	if cfg.AudioExtension == "" {
		cfg.AudioExtension = "mp3"
	}
	sink := newMemSink()
	events := &recorder{}
	engine, err := NewEngine(renderer, sink, cfg, events)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	q := NewQueue(context.Background(), engine, pipeSplitter, events)
	t.Cleanup(q.Close)
	return &harness{
		queue:    q,
		gateway:  NewGateway(q, cfg.DocumentExtension, events),
		renderer: renderer,
		sink:     sink,
		events:   events,
	}
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.queue.Wait(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func waitEntered(t *testing.T, r *fakeRenderer) {
	t.Helper()
	select {
	case <-r.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("renderer was never called")
	}
}

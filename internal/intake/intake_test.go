package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/sink"
	"github.com/loqalabs/loqa-narrator/internal/splitter"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type pipeline struct {
	gateway *batch.Gateway
	queue   *batch.Queue
	out     string
}

func newPipeline(t *testing.T) pipeline {
	t.Helper()
	out := t.TempDir()
	dir, err := sink.NewDir(out, newLogger())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	renderer := tts.NewRenderer(tts.NewMockSynth(22050, 1, 0), "narrator")
	engine, err := batch.NewEngine(renderer, dir, batch.EngineConfig{DocumentExtension: ".txt", AudioExtension: "mp3"}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	q := batch.NewQueue(context.Background(), engine, splitter.New(splitter.Options{}), nil)
	t.Cleanup(q.Close)
	return pipeline{gateway: batch.NewGateway(q, ".txt", nil), queue: q, out: out}
}

func (p pipeline) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Wait(ctx); err != nil {
		t.Fatalf("wait for drain: %v", err)
	}
}

func (p pipeline) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.out, name))
	if err != nil {
		t.Fatalf("read artifact %s: %v", name, err)
	}
	return string(data)
}

func newServer(t *testing.T, h *HTTPHandler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEnqueueMultipart(t *testing.T) {
	p := newPipeline(t)
	srv := newServer(t, NewHTTPHandler(p.gateway, p.queue, nil, 0, newLogger()))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, text := range map[string]string{"a.txt": "Hello world.", "b.doc": "ignored"} {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = fw.Write([]byte(text))
	}
	_ = mw.Close()

	resp, err := http.Post(srv.URL+"/v1/documents", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var reply protocol.EnqueueReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(reply.Admitted) != 1 || reply.Admitted[0].Name != "a.txt" || reply.Skipped != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	p.wait(t)
	if got := p.read(t, "a_chunk_1.mp3"); got != "[narrator]Hello world.\n" {
		t.Fatalf("unexpected chunk artifact %q", got)
	}
	if got := p.read(t, "a_FULL.mp3"); got != "[narrator]Hello world.\n" {
		t.Fatalf("unexpected full artifact %q", got)
	}
}

func TestHTTPEnqueueJSON(t *testing.T) {
	p := newPipeline(t)
	srv := newServer(t, NewHTTPHandler(p.gateway, p.queue, nil, 0, newLogger()))

	data, _ := json.Marshal(protocol.EnqueueRequest{Documents: []protocol.EnqueueDocument{{Name: "notes.txt", Text: "Short note."}}})
	resp, err := http.Post(srv.URL+"/v1/documents", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	p.wait(t)
	if got := p.read(t, "notes_FULL.mp3"); got != "[narrator]Short note.\n" {
		t.Fatalf("unexpected full artifact %q", got)
	}
}

func TestHTTPRejectsBadRequests(t *testing.T) {
	p := newPipeline(t)
	srv := newServer(t, NewHTTPHandler(p.gateway, p.queue, nil, 0, newLogger()))

	resp, err := http.Post(srv.URL+"/v1/documents", "text/plain", bytes.NewReader([]byte("hi")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/documents", "application/json", bytes.NewReader([]byte(`{"documents":[]}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

type fakeJournal struct {
	docs   []eventstore.Document
	events map[string][]eventstore.Event
}

func (f fakeJournal) ListDocuments(context.Context, int) ([]eventstore.Document, error) {
	return f.docs, nil
}

func (f fakeJournal) ListDocumentEvents(_ context.Context, itemID string, limit int) ([]eventstore.Event, error) {
	events := f.events[itemID]
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func TestHTTPQueueStatus(t *testing.T) {
	p := newPipeline(t)
	journal := fakeJournal{docs: []eventstore.Document{{ItemID: "1", Name: "a.txt", Status: "failed", Error: "render failed"}}}
	srv := newServer(t, NewHTTPHandler(p.gateway, p.queue, journal, 0, newLogger()))

	resp, err := http.Get(srv.URL + "/v1/queue")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var status queueStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Pending != 0 || status.Running {
		t.Fatalf("expected idle queue, got %+v", status)
	}
	if len(status.Documents) != 1 || status.Documents[0].Status != "failed" {
		t.Fatalf("unexpected documents %+v", status.Documents)
	}
}

func TestHTTPDocumentEvents(t *testing.T) {
	p := newPipeline(t)
	now := time.Now().UTC()
	journal := fakeJournal{events: map[string][]eventstore.Event{
		"item-1": {
			{ID: 1, ItemID: "item-1", Type: "item.admitted", Payload: []byte(`{"document":"a.txt"}`), CreatedAt: now},
			{ID: 2, ItemID: "item-1", Type: "item.done", Payload: []byte(`{"document":"a.txt"}`), CreatedAt: now},
		},
	}}
	srv := newServer(t, NewHTTPHandler(p.gateway, p.queue, journal, 0, newLogger()))

	resp, err := http.Get(srv.URL + "/v1/documents/item-1/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var events []documentEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 || events[0].Type != "item.admitted" || events[1].Type != "item.done" {
		t.Fatalf("unexpected events %+v", events)
	}

	for path, want := range map[string]int{
		"/v1/documents/missing/events":        http.StatusNotFound,
		"/v1/documents/item-1/events?limit=0": http.StatusBadRequest,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func TestBusListenerAdmitsAndReplies(t *testing.T) {
	srv, err := natsserver.StartLocal(t.TempDir(), newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "intake-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	p := newPipeline(t)
	listener := NewBusListener(client, p.gateway, newLogger())
	if err := listener.Start(); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(listener.Close)

	data, _ := json.Marshal(protocol.EnqueueRequest{Documents: []protocol.EnqueueDocument{
		{Name: "bus.txt", Text: "From the bus."},
		{Name: "bus.pdf", Text: "skipped"},
	}})
	msg, err := client.Conn().Request(protocol.SubjectBatchEnqueue, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.EnqueueReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(reply.Admitted) != 1 || reply.Skipped != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	p.wait(t)
	if got := p.read(t, "bus_FULL.mp3"); got != "[narrator]From the bus.\n" {
		t.Fatalf("unexpected artifact %q", got)
	}

	msg, err = client.Conn().Request(protocol.SubjectBatchEnqueue, []byte("not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	reply = protocol.EnqueueReply{}
	_ = json.Unmarshal(msg.Data, &reply)
	if reply.Error == "" {
		t.Fatal("expected an error reply for malformed request")
	}
}

func TestWatcherEnqueuesSettledFiles(t *testing.T) {
	p := newPipeline(t)
	dir := t.TempDir()
	w := NewWatcher(context.Background(), dir, p.gateway, 50*time.Millisecond, newLogger())
	if err := w.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Close)

	if err := os.WriteFile(filepath.Join(dir, "dropped.txt"), []byte("Dropped in."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	target := filepath.Join(p.out, "dropped_FULL.mp3")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if data, err := os.ReadFile(target); err == nil {
			if string(data) != "[narrator]Dropped in.\n" {
				t.Fatalf("unexpected artifact %q", data)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watched file was not rendered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

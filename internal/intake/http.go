// Package intake adapts outside submissions (HTTP uploads, bus requests and a
// watched directory) into gateway enqueue calls.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

const defaultMaxUploadBytes = 32 << 20

// QueueState reports what the drain loop is doing.
type QueueState interface {
	Len() int
	Running() bool
}

// DocumentJournal reads recorded document states and their events.
type DocumentJournal interface {
	ListDocuments(ctx context.Context, limit int) ([]eventstore.Document, error)
	ListDocumentEvents(ctx context.Context, itemID string, limit int) ([]eventstore.Event, error)
}

type HTTPHandler struct {
	gateway   *batch.Gateway
	queue     QueueState
	documents DocumentJournal
	maxBytes  int64
	logger    *slog.Logger
}

// NewHTTPHandler builds the upload and status endpoints. documents may be nil.
func NewHTTPHandler(gateway *batch.Gateway, queue QueueState, documents DocumentJournal, maxBytes int64, logger *slog.Logger) *HTTPHandler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &HTTPHandler{
		gateway:   gateway,
		queue:     queue,
		documents: documents,
		maxBytes:  maxBytes,
		logger:    logger.With(slog.String("component", "intake-http")),
	}
}

// Register mounts the routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/documents", h.handleEnqueue)
	mux.HandleFunc("GET /v1/queue", h.handleQueue)
	mux.HandleFunc("GET /v1/documents/{id}/events", h.handleDocumentEvents)
}

func (h *HTTPHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	var (
		docs []batch.Document
		err  error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		docs, err = h.readMultipart(r)
	case "application/json":
		docs, err = readJSON(r.Body)
	default:
		writeJSON(w, http.StatusUnsupportedMediaType, protocol.EnqueueReply{Error: "expected multipart/form-data or application/json"})
		return
	}
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.logger.Warn("rejected upload", slog.String("error", err.Error()))
		writeJSON(w, status, protocol.EnqueueReply{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, enqueue(h.gateway, docs))
}

func (h *HTTPHandler) readMultipart(r *http.Request) ([]batch.Document, error) {
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		return nil, fmt.Errorf("parse upload: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return nil, errors.New(`no files in form field "files"`)
	}
	docs := make([]batch.Document, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		docs = append(docs, batch.TextDocument{Filename: filepath.Base(fh.Filename), Body: string(data)})
	}
	return docs, nil
}

func readJSON(body io.Reader) ([]batch.Document, error) {
	var req protocol.EnqueueRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return documentsFromRequest(req)
}

func documentsFromRequest(req protocol.EnqueueRequest) ([]batch.Document, error) {
	if len(req.Documents) == 0 {
		return nil, errors.New("no documents in request")
	}
	docs := make([]batch.Document, 0, len(req.Documents))
	for _, d := range req.Documents {
		name := filepath.Base(strings.TrimSpace(d.Name))
		if name == "." || name == string(filepath.Separator) || name == "" {
			return nil, errors.New("document name required")
		}
		if !utf8.ValidString(d.Text) {
			return nil, fmt.Errorf("document %s is not valid UTF-8", name)
		}
		docs = append(docs, batch.TextDocument{Filename: name, Body: d.Text})
	}
	return docs, nil
}

func enqueue(gateway *batch.Gateway, docs []batch.Document) protocol.EnqueueReply {
	items := gateway.Enqueue(docs...)
	reply := protocol.EnqueueReply{
		Admitted: make([]protocol.AdmittedItem, 0, len(items)),
		Skipped:  len(docs) - len(items),
	}
	for _, item := range items {
		reply.Admitted = append(reply.Admitted, protocol.AdmittedItem{ID: item.ID, Name: item.Name})
	}
	return reply
}

type queueStatus struct {
	Pending   int              `json:"pending"`
	Running   bool             `json:"running"`
	Documents []documentStatus `json:"documents,omitempty"`
}

type documentStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *HTTPHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	status := queueStatus{Pending: h.queue.Len(), Running: h.queue.Running()}
	if h.documents != nil {
		docs, err := h.documents.ListDocuments(r.Context(), 50)
		if err != nil {
			h.logger.Warn("failed to list documents", slog.String("error", err.Error()))
		}
		for _, d := range docs {
			status.Documents = append(status.Documents, documentStatus{ID: d.ItemID, Name: d.Name, Status: d.Status, Error: d.Error})
		}
	}
	writeJSON(w, http.StatusOK, status)
}

type documentEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *HTTPHandler) handleDocumentEvents(w http.ResponseWriter, r *http.Request) {
	if h.documents == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event journal disabled"})
		return
	}
	id := r.PathValue("id")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := h.documents.ListDocumentEvents(r.Context(), id, limit)
	if err != nil {
		h.logger.Warn("failed to list document events", slog.String("item", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read events"})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no events for document"})
		return
	}
	out := make([]documentEvent, 0, len(events))
	for _, e := range events {
		de := documentEvent{ID: e.ID, Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			de.Payload = e.Payload
		}
		out = append(out, de)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

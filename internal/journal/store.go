package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
)

const storeWriteTimeout = 5 * time.Second

// StoreObserver records document state and every event in the event store.
// Write failures are logged and never interrupt the batch.
type StoreObserver struct {
	store  *eventstore.Store
	logger *slog.Logger
}

func NewStoreObserver(store *eventstore.Store, logger *slog.Logger) *StoreObserver {
	return &StoreObserver{store: store, logger: logger.With(slog.String("component", "journal-store"))}
}

func (s *StoreObserver) Observe(e batch.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if status, ok := documentStatus(e.Type); ok {
		doc := eventstore.Document{ItemID: e.ItemID, Name: e.Document, Status: status.String()}
		if e.Type == batch.EventItemAdmitted {
			doc.EnqueuedAt = e.Time
		}
		if e.Err != nil {
			doc.Error = e.Err.Error()
		}
		if err := s.store.UpsertDocument(ctx, doc); err != nil {
			s.logger.Warn("failed to record document state", slog.String("item_id", e.ItemID), slogError(err))
		}
	}

	payload, err := json.Marshal(ToProtocol(e))
	if err != nil {
		s.logger.Warn("failed to encode event", slogError(err))
		return
	}
	if err := s.store.AppendEvent(ctx, eventstore.Event{ItemID: e.ItemID, Type: string(e.Type), Payload: payload, CreatedAt: e.Time}); err != nil {
		s.logger.Warn("failed to record event", slog.String("type", string(e.Type)), slogError(err))
	}
}

func documentStatus(t batch.EventType) (batch.Status, bool) {
	switch t {
	case batch.EventItemAdmitted:
		return batch.StatusPending, true
	case batch.EventItemProcessing:
		return batch.StatusProcessing, true
	case batch.EventItemDone:
		return batch.StatusDone, true
	case batch.EventItemFailed:
		return batch.StatusFailed, true
	}
	return 0, false
}

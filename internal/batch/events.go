package batch

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

type EventType string

const (
	EventItemAdmitted      EventType = "item.admitted"
	EventItemsSkipped      EventType = "items.skipped"
	EventItemProcessing    EventType = "item.processing"
	EventItemSplit         EventType = "item.split"
	EventChunkRendered     EventType = "chunk.rendered"
	EventArtifactPersisted EventType = "artifact.persisted"
	EventVoiceCompleted    EventType = "voice.completed"
	EventItemDone          EventType = "item.done"
	EventItemFailed        EventType = "item.failed"
	EventBatchCompleted    EventType = "batch.completed"
)

// Event is a progress notification. Fields that do not apply to the event
// type are left zero.
type Event struct {
	Type     EventType
	Time     time.Time
	ItemID   string
	Document string
	Voice    string
	Chunk    int
	Chunks   int
	Artifact string
	Kind     ArtifactKind
	Bytes    int
	Done     int
	Failed   int
	Skipped  int
	Pending  int
	Err      error
}

// Observer receives progress events. Admission events arrive on the caller's
// goroutine and drain events on the drain goroutine, so implementations must be
// safe for concurrent use.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// MultiObserver fans an event out to every non-nil observer in order.
type MultiObserver []Observer

func (m MultiObserver) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

func emit(o Observer, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	o.Observe(e)
}

// LogObserver writes events to a structured logger.
type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{log: logger.With(slog.String("component", "batch"))}
}

func (l *LogObserver) Observe(e Event) {
	switch e.Type {
	case EventItemAdmitted:
		l.log.Info("document queued", slog.String("document", e.Document), slog.String("item_id", e.ItemID))
	case EventItemsSkipped:
		l.log.Debug("unsupported files skipped", slog.Int("count", e.Skipped))
	case EventItemProcessing:
		l.log.Info("processing document", slog.String("document", e.Document), slog.String("item_id", e.ItemID))
	case EventItemSplit:
		l.log.Info("document split", slog.String("document", e.Document), slog.Int("chunks", e.Chunks))
	case EventChunkRendered:
		l.log.Info("chunk rendered",
			slog.String("document", e.Document),
			slog.String("voice", e.Voice),
			slog.Int("chunk", e.Chunk),
			slog.Int("chunks", e.Chunks),
			slog.String("size", humanize.Bytes(uint64(e.Bytes))))
	case EventArtifactPersisted:
		l.log.Debug("artifact saved",
			slog.String("artifact", e.Artifact),
			slog.String("kind", string(e.Kind)),
			slog.String("size", humanize.Bytes(uint64(e.Bytes))))
	case EventVoiceCompleted:
		l.log.Info("voice completed", slog.String("document", e.Document), slog.String("voice", e.Voice), slog.String("artifact", e.Artifact))
	case EventItemDone:
		l.log.Info("document completed", slog.String("document", e.Document), slog.String("item_id", e.ItemID))
	case EventItemFailed:
		attrs := []any{slog.String("document", e.Document), slog.String("item_id", e.ItemID)}
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
		l.log.Error("document failed", attrs...)
	case EventBatchCompleted:
		l.log.Info("batch drained", slog.Int("done", e.Done), slog.Int("failed", e.Failed), slog.Int("pending", e.Pending))
	}
}

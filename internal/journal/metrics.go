package journal

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics turns batch events into OpenTelemetry instruments.
type Metrics struct {
	admitted metric.Int64Counter
	skipped  metric.Int64Counter
	finished metric.Int64Counter
	chunks   metric.Int64Counter
	bytes    metric.Int64Counter
	depth    metric.Int64ObservableGauge
}

// NewMetrics registers the instruments on meter. depth reports the number of
// items waiting in the queue when the gauge is collected.
func NewMetrics(meter metric.Meter, depth func() int) (*Metrics, error) {
	var m Metrics
	var err error
	if m.admitted, err = meter.Int64Counter("narrator.documents.admitted",
		metric.WithDescription("Documents accepted into the queue")); err != nil {
		return nil, fmt.Errorf("register admitted counter: %w", err)
	}
	if m.skipped, err = meter.Int64Counter("narrator.files.skipped",
		metric.WithDescription("Submitted files ignored for their extension")); err != nil {
		return nil, fmt.Errorf("register skipped counter: %w", err)
	}
	if m.finished, err = meter.Int64Counter("narrator.documents.finished",
		metric.WithDescription("Documents that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("register finished counter: %w", err)
	}
	if m.chunks, err = meter.Int64Counter("narrator.chunks.rendered",
		metric.WithDescription("Chunks rendered per voice")); err != nil {
		return nil, fmt.Errorf("register chunk counter: %w", err)
	}
	if m.bytes, err = meter.Int64Counter("narrator.artifacts.bytes",
		metric.WithDescription("Bytes persisted to the sink"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("register bytes counter: %w", err)
	}
	if depth != nil {
		if m.depth, err = meter.Int64ObservableGauge("narrator.queue.depth",
			metric.WithDescription("Items waiting to be rendered"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(depth()))
				return nil
			})); err != nil {
			return nil, fmt.Errorf("register queue depth gauge: %w", err)
		}
	}
	return &m, nil
}

func (m *Metrics) Observe(e batch.Event) {
	ctx := context.Background()
	switch e.Type {
	case batch.EventItemAdmitted:
		m.admitted.Add(ctx, 1)
	case batch.EventItemsSkipped:
		m.skipped.Add(ctx, int64(e.Skipped))
	case batch.EventItemDone:
		m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", batch.StatusDone.String())))
	case batch.EventItemFailed:
		m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", batch.StatusFailed.String())))
	case batch.EventChunkRendered:
		m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("voice", e.Voice)))
	case batch.EventArtifactPersisted:
		m.bytes.Add(ctx, int64(e.Bytes), metric.WithAttributes(attribute.String("kind", string(e.Kind))))
	}
}

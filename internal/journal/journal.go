// Package journal fans batch progress events out to durable and remote
// consumers: the SQLite event store, the bus and OpenTelemetry metrics.
package journal

import (
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// ToProtocol converts a batch event into its wire form.
func ToProtocol(e batch.Event) protocol.BatchEvent {
	out := protocol.BatchEvent{
		Type:     string(e.Type),
		Time:     e.Time,
		ItemID:   e.ItemID,
		Document: e.Document,
		Voice:    e.Voice,
		Chunk:    e.Chunk,
		Chunks:   e.Chunks,
		Artifact: e.Artifact,
		Kind:     string(e.Kind),
		Bytes:    e.Bytes,
		Done:     e.Done,
		Failed:   e.Failed,
		Skipped:  e.Skipped,
		Pending:  e.Pending,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

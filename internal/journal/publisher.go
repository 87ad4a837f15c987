package journal

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Publisher mirrors batch events onto batch.events.<type>.
type Publisher struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewPublisher(busClient *bus.Client, logger *slog.Logger) *Publisher {
	return &Publisher{bus: busClient, logger: logger.With(slog.String("component", "journal-publisher"))}
}

func (p *Publisher) Observe(e batch.Event) {
	data, err := json.Marshal(ToProtocol(e))
	if err != nil {
		p.logger.Warn("failed to encode event", slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(protocol.BatchEventSubject(string(e.Type)), data); err != nil {
		p.logger.Warn("failed to publish event", slog.String("type", string(e.Type)), slogError(err))
	}
}

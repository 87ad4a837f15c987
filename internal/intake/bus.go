package intake

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusListener admits documents published on batch.enqueue. Requests carrying
// a reply subject receive an EnqueueReply.
type BusListener struct {
	bus     *bus.Client
	gateway *batch.Gateway
	sub     *nats.Subscription
	logger  *slog.Logger
}

func NewBusListener(busClient *bus.Client, gateway *batch.Gateway, logger *slog.Logger) *BusListener {
	return &BusListener{
		bus:     busClient,
		gateway: gateway,
		logger:  logger.With(slog.String("component", "intake-bus")),
	}
}

func (l *BusListener) Start() error {
	sub, err := l.bus.Conn().Subscribe(protocol.SubjectBatchEnqueue, l.handle)
	if err != nil {
		return err
	}
	if err := l.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	l.sub = sub
	l.logger.Info("listening for documents", slog.String("subject", protocol.SubjectBatchEnqueue))
	return nil
}

func (l *BusListener) Close() {
	if l.sub != nil {
		_ = l.sub.Drain()
	}
}

func (l *BusListener) Healthy() bool { return l.sub != nil && l.sub.IsValid() }

func (l *BusListener) handle(msg *nats.Msg) {
	var reply protocol.EnqueueReply
	var req protocol.EnqueueRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		l.logger.Warn("failed to decode enqueue request", slog.String("error", err.Error()))
		reply.Error = "decode request: " + err.Error()
	} else if docs, err := documentsFromRequest(req); err != nil {
		l.logger.Warn("rejected enqueue request", slog.String("error", err.Error()))
		reply.Error = err.Error()
	} else {
		reply = enqueue(l.gateway, docs)
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		l.logger.Warn("failed to reply to enqueue request", slog.String("error", err.Error()))
	}
}

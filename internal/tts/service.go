package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

const serviceQueueGroup = "narrator-tts"

// Service answers render requests on the bus with a local Synthesizer.
type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	synth   Synthesizer
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		synth:   synth,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTTSRequest, serviceQueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	s.sub = sub
	s.logger.Info("tts service listening", slog.String("subject", protocol.SubjectTTSRequest))
	return nil
}

// Close stops admitting requests, cancels running syntheses and waits for
// their status to be published. Requests still buffered on the subscription
// are rejected.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.wg.Wait()
}

// admit registers a request with the wait group unless Close has begun.
func (s *Service) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.SessionID == "" {
		if err == nil {
			err = errors.New("missing session id")
		}
		s.logger.Warn("failed to decode tts request", slogError(err))
		s.ack(msg, req.SessionID, false)
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	if !s.admit() {
		s.ack(msg, req.SessionID, false)
		return
	}
	s.ack(msg, req.SessionID, true)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice})
		sequence := 0
		var failure error
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				chunk.Sequence = sequence
				sequence++
				s.publishChunk(req, chunk)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil && failure == nil {
					failure = err
					s.logger.Warn("tts synthesis error", slog.String("session", req.SessionID), slogError(err))
				}
			case <-ctx.Done():
				failure = ctx.Err()
				s.logger.Warn("tts synthesis cancelled", slog.String("session", req.SessionID), slogError(failure))
				chunks, errs = nil, nil
			}
		}
		s.publishStatus(req, failure)
	}()
}

func (s *Service) ack(msg *nats.Msg, sessionID string, accepted bool) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(protocol.TTSAck{SessionID: sessionID, Accepted: accepted})
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to ack tts request", slogError(err))
	}
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		Audio:      chunk.Audio,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal tts chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.TTSAudioSubject(req.SessionID), data); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, failure error) {
	status := protocol.TTSStatus{SessionID: req.SessionID, Completed: failure == nil, Timestamp: time.Now().UTC()}
	if failure != nil {
		status.Error = failure.Error()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.TTSDoneSubject(req.SessionID), data); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

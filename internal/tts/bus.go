package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// busSynth forwards requests to a Service listening on the bus and streams
// back the audio published for the session.
type busSynth struct {
	bus *bus.Client
}

func NewBusSynth(busClient *bus.Client) Synthesizer {
	return &busSynth{bus: busClient}
}

func (b *busSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		conn := b.bus.Conn()
		msgs := make(chan *nats.Msg, 256)
		audioSub, err := conn.ChanSubscribe(protocol.TTSAudioSubject(req.SessionID), msgs)
		if err != nil {
			errs <- fmt.Errorf("subscribe tts audio: %w", err)
			return
		}
		defer func() { _ = audioSub.Unsubscribe() }()
		doneSub, err := conn.ChanSubscribe(protocol.TTSDoneSubject(req.SessionID), msgs)
		if err != nil {
			errs <- fmt.Errorf("subscribe tts status: %w", err)
			return
		}
		defer func() { _ = doneSub.Unsubscribe() }()
		if err := conn.FlushWithContext(ctx); err != nil {
			errs <- err
			return
		}

		data, err := json.Marshal(protocol.TTSRequest{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice})
		if err != nil {
			errs <- err
			return
		}
		reply, err := conn.RequestWithContext(ctx, protocol.SubjectTTSRequest, data)
		if err != nil {
			if errors.Is(err, nats.ErrNoResponders) {
				err = errors.New("no tts service listening")
			}
			errs <- fmt.Errorf("tts request: %w", err)
			return
		}
		var ack protocol.TTSAck
		if err := json.Unmarshal(reply.Data, &ack); err != nil {
			errs <- fmt.Errorf("decode tts ack: %w", err)
			return
		}
		if !ack.Accepted {
			errs <- errors.New("tts request rejected")
			return
		}

		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case msg := <-msgs:
				if msg.Subject == protocol.TTSDoneSubject(req.SessionID) {
					var status protocol.TTSStatus
					if err := json.Unmarshal(msg.Data, &status); err != nil {
						errs <- fmt.Errorf("decode tts status: %w", err)
						return
					}
					if status.Error != "" {
						errs <- errors.New(status.Error)
					}
					return
				}
				var packet protocol.AudioChunk
				if err := json.Unmarshal(msg.Data, &packet); err != nil {
					errs <- fmt.Errorf("decode tts chunk: %w", err)
					return
				}
				select {
				case chunks <- SynthChunk{
					SessionID:  packet.SessionID,
					Sequence:   packet.Sequence,
					SampleRate: packet.SampleRate,
					Channels:   packet.Channels,
					Audio:      packet.Audio,
					Final:      packet.Final,
				}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				if packet.Final {
					return
				}
			}
		}
	}()
	return chunks, errs
}

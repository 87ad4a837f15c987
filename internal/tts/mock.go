package tts

import (
	"context"
	"fmt"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that emits a readable tag instead of
// audio, which keeps concatenated output easy to inspect.
func NewMockSynth(sampleRate, channels int, delay time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.delay):
			}
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			Audio:      []byte(fmt.Sprintf("[%s]%s\n", req.Voice, req.Text)),
			Final:      true,
		}
	}()
	return chunks, errs
}

package tts

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

var ErrNoAudio = errors.New("synthesizer produced no audio")

// Collect drains a synthesis stream and returns the audio in sequence order.
// Chunks after the one flagged final are discarded.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) ([]byte, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var parts []SynthChunk
	final := false
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if final {
				continue
			}
			parts = append(parts, chunk)
			final = chunk.Final
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Sequence < parts[j].Sequence })
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p.Audio)
	}
	if buf.Len() == 0 {
		return nil, ErrNoAudio
	}
	return buf.Bytes(), nil
}

// Renderer renders one chunk of text per call through a Synthesizer.
type Renderer struct {
	synth        Synthesizer
	defaultVoice string
}

func NewRenderer(synth Synthesizer, defaultVoice string) *Renderer {
	return &Renderer{synth: synth, defaultVoice: defaultVoice}
}

func (r *Renderer) Render(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = r.defaultVoice
	}
	return Collect(ctx, r.synth, SynthRequest{SessionID: uuid.NewString(), Text: text, Voice: voice})
}

package tts

import (
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// NewSynthesizer builds the synthesizer the batch engine renders with.
func NewSynthesizer(cfg config.RendererConfig, audioExt string, busClient *bus.Client) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, 0), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, audioExt)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("renderer mode bus requires a NATS connection")
		}
		return NewBusSynth(busClient), nil
	default:
		return nil, fmt.Errorf("unsupported renderer mode %q", cfg.Mode)
	}
}

// NewServiceSynthesizer builds the synthesizer backing the bus service.
func NewServiceSynthesizer(cfg config.TTSConfig, audioExt string) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, 0), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, audioExt)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

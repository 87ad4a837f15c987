package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ArtifactKind string

const (
	ArtifactChunk ArtifactKind = "chunk"
	ArtifactFull  ArtifactKind = "full"
)

// Artifact describes a persisted output. The bytes are not retained.
type Artifact struct {
	Name  string
	Kind  ArtifactKind
	Voice string
	Chunk int
	Size  int
}

// Result lists the artifacts a session persisted, in persistence order.
type Result struct {
	Artifacts []Artifact
}

type EngineConfig struct {
	DocumentExtension string
	AudioExtension    string
	Voices            []string
	// RenderTimeout bounds each renderer call; zero leaves calls unbounded.
	RenderTimeout time.Duration
}

// Engine runs render sessions. Full artifacts are the byte concatenation of the
// chunk artifacts, so the renderer must emit a container that stays playable
// when concatenated (MP3 frames, ADTS AAC, raw PCM).
type Engine struct {
	renderer Renderer
	sink     Sink
	observer Observer
	cfg      EngineConfig
	tracer   trace.Tracer
}

func NewEngine(renderer Renderer, sink Sink, cfg EngineConfig, observer Observer) (*Engine, error) {
	if renderer == nil {
		return nil, errors.New("batch engine requires a renderer")
	}
	if sink == nil {
		return nil, errors.New("batch engine requires a sink")
	}
	if cfg.AudioExtension == "" {
		return nil, errors.New("batch engine requires an audio extension")
	}
	seen := make(map[string]struct{}, len(cfg.Voices))
	for _, voice := range cfg.Voices {
		if strings.TrimSpace(voice) == "" {
			return nil, errors.New("voice names must not be empty")
		}
		if _, dup := seen[voice]; dup {
			return nil, fmt.Errorf("duplicate voice %q", voice)
		}
		seen[voice] = struct{}{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	cfg.Voices = append([]string(nil), cfg.Voices...)
	return &Engine{
		renderer: renderer,
		sink:     sink,
		observer: observer,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-narrator/batch"),
	}, nil
}

// Render renders chunks once per configured voice, or once with the default
// voice when none are configured. The first renderer or sink failure abandons
// the rest of the item and is returned as a *StageError.
func (e *Engine) Render(ctx context.Context, item *Item, chunks []string) (Result, error) {
	s := &session{
		engine:   e,
		item:     item,
		baseName: BaseName(item.Name, e.cfg.DocumentExtension),
		chunks:   chunks,
		names:    make(map[string]struct{}),
	}

	ctx, span := e.tracer.Start(ctx, "batch.render", trace.WithAttributes(
		attribute.String("narrator.document", item.Name),
		attribute.String("narrator.item_id", item.ID),
		attribute.Int("narrator.chunks", len(chunks)),
		attribute.Int("narrator.voices", len(e.cfg.Voices)),
	))
	defer span.End()

	err := s.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return s.result, err
}

type session struct {
	engine   *Engine
	item     *Item
	baseName string
	chunks   []string
	names    map[string]struct{}
	result   Result
}

func (s *session) run(ctx context.Context) error {
	if len(s.engine.cfg.Voices) == 0 {
		return s.renderVoice(ctx, "")
	}
	for _, voice := range s.engine.cfg.Voices {
		if err := s.renderVoice(ctx, voice); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) renderVoice(ctx context.Context, voice string) error {
	ctx, span := s.engine.tracer.Start(ctx, "batch.voice", trace.WithAttributes(
		attribute.String("narrator.voice", voice),
	))
	defer span.End()

	ext := s.engine.cfg.AudioExtension
	parts := make([][]byte, 0, len(s.chunks))
	for i, chunk := range s.chunks {
		index := i + 1
		audio, err := s.render(ctx, chunk, voice)
		if err != nil {
			return &StageError{Kind: ErrRenderFailed, Document: s.item.Name, Voice: voice, Chunk: index, Err: err}
		}
		parts = append(parts, audio)
		emit(s.engine.observer, Event{
			Type:     EventChunkRendered,
			ItemID:   s.item.ID,
			Document: s.item.Name,
			Voice:    voice,
			Chunk:    index,
			Chunks:   len(s.chunks),
			Bytes:    len(audio),
		})

		name := ChunkArtifactName(s.baseName, voice, index, ext)
		if err := s.persist(ctx, Artifact{Name: name, Kind: ArtifactChunk, Voice: voice, Chunk: index}, audio); err != nil {
			return err
		}
	}

	full := bytes.Join(parts, nil)
	name := FullArtifactName(s.baseName, voice, ext)
	if err := s.persist(ctx, Artifact{Name: name, Kind: ArtifactFull, Voice: voice}, full); err != nil {
		return err
	}
	emit(s.engine.observer, Event{
		Type:     EventVoiceCompleted,
		ItemID:   s.item.ID,
		Document: s.item.Name,
		Voice:    voice,
		Chunks:   len(s.chunks),
		Artifact: name,
		Bytes:    len(full),
	})
	return nil
}

func (s *session) render(ctx context.Context, text, voice string) ([]byte, error) {
	if timeout := s.engine.cfg.RenderTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.engine.renderer.Render(ctx, text, voice)
}

func (s *session) persist(ctx context.Context, artifact Artifact, data []byte) error {
	if _, dup := s.names[artifact.Name]; dup {
		return &StageError{
			Kind:     ErrSinkFailed,
			Document: s.item.Name,
			Voice:    artifact.Voice,
			Chunk:    artifact.Chunk,
			Artifact: artifact.Name,
			Err:      errors.New("artifact name already used in this session"),
		}
	}
	if err := s.engine.sink.Persist(ctx, artifact.Name, data); err != nil {
		return &StageError{
			Kind:     ErrSinkFailed,
			Document: s.item.Name,
			Voice:    artifact.Voice,
			Chunk:    artifact.Chunk,
			Artifact: artifact.Name,
			Err:      err,
		}
	}
	s.names[artifact.Name] = struct{}{}
	artifact.Size = len(data)
	s.result.Artifacts = append(s.result.Artifacts, artifact)
	emit(s.engine.observer, Event{
		Type:     EventArtifactPersisted,
		ItemID:   s.item.ID,
		Document: s.item.Name,
		Voice:    artifact.Voice,
		Chunk:    artifact.Chunk,
		Artifact: artifact.Name,
		Kind:     artifact.Kind,
		Bytes:    artifact.Size,
	})
	return nil
}

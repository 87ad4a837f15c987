package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/capability"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/intake"
	"github.com/loqalabs/loqa-narrator/internal/journal"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/sink"
	"github.com/loqalabs/loqa-narrator/internal/splitter"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	ttsService *tts.Service
	registry   *capability.Registry
	queue      *batch.Queue
	gateway    *batch.Gateway
	busIntake  *intake.BusListener
	watcher    *intake.Watcher
	mux        *http.ServeMux
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the narrator service until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.build(ctx); err != nil {
		r.close()
		return err
	}
	if err := r.startIntake(ctx); err != nil {
		r.close()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           r.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.close()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Summary counts the outcome of a one-shot run.
type Summary struct {
	Done    int
	Failed  int
	Pending int
	Skipped int
}

// RunOnce renders the given files and returns when the queue is drained or
// ctx is cancelled. It does not serve HTTP or start intake listeners.
func (r *Runtime) RunOnce(ctx context.Context, paths []string) (Summary, error) {
	if err := r.build(ctx); err != nil {
		r.close()
		return Summary{}, err
	}
	defer r.close()

	docs := make([]batch.Document, 0, len(paths))
	for _, p := range paths {
		docs = append(docs, batch.FileDocument{Path: p})
	}
	items := r.gateway.Enqueue(docs...)
	summary := Summary{Skipped: len(paths) - len(items)}

	waitErr := r.queue.Wait(ctx)
	if waitErr != nil {
		// Abandon the in-flight item before reading statuses.
		r.queue.Close()
	}
	for _, item := range items {
		switch item.Status() {
		case batch.StatusDone:
			summary.Done++
		case batch.StatusFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}
	if waitErr != nil {
		return summary, waitErr
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d documents failed", summary.Failed, len(items))
	}
	return summary, nil
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg

	if cfg.NeedsBus() {
		embedded, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.embedded = embedded
		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if cfg.TTS.Enabled {
		synth, err := tts.NewServiceSynthesizer(cfg.TTS, cfg.Batch.AudioExtension)
		if err != nil {
			return err
		}
		r.ttsService = tts.NewService(ctx, cfg.TTS, r.bus, synth, renderTimeout(cfg), r.logger)
		if err := r.ttsService.Start(); err != nil {
			return fmt.Errorf("start tts service: %w", err)
		}
	}

	if r.bus != nil {
		registry, err := capability.NewRegistry(ctx, capability.Options{
			NodeID:            cfg.Node.ID,
			Capabilities:      nodeCapabilities(cfg),
			HeartbeatInterval: time.Duration(cfg.Node.HeartbeatInterval) * time.Millisecond,
			HeartbeatTimeout:  time.Duration(cfg.Node.HeartbeatTimeout) * time.Millisecond,
		}, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start node registry: %w", err)
		}
		r.registry = registry
	}

	synth, err := tts.NewSynthesizer(cfg.Renderer, cfg.Batch.AudioExtension, r.bus)
	if err != nil {
		return err
	}
	artifacts, err := sink.New(ctx, cfg.Sink, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}

	var queue *batch.Queue
	metrics, err := journal.NewMetrics(otel.Meter("github.com/loqalabs/loqa-narrator"), func() int {
		if queue == nil {
			return 0
		}
		return queue.Len()
	})
	if err != nil {
		return err
	}
	observers := batch.MultiObserver{
		batch.NewLogObserver(r.logger),
		journal.NewStoreObserver(r.store, r.logger),
		metrics,
	}
	if r.bus != nil {
		observers = append(observers, journal.NewPublisher(r.bus, r.logger))
	}

	engine, err := batch.NewEngine(tts.NewRenderer(synth, ""), artifacts, batch.EngineConfig{
		DocumentExtension: cfg.Batch.DocumentExtension,
		AudioExtension:    cfg.Batch.AudioExtension,
		Voices:            cfg.Batch.Voices,
		RenderTimeout:     renderTimeout(cfg),
	}, observers)
	if err != nil {
		return err
	}
	queue = batch.NewQueue(ctx, engine, splitter.New(splitter.Options{MaxChars: cfg.Splitter.MaxChars}), observers)
	r.queue = queue
	r.gateway = batch.NewGateway(queue, cfg.Batch.DocumentExtension, observers)

	r.mux = http.NewServeMux()
	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		r.mux.Handle("/metrics", r.metrics)
	}
	if r.registry != nil {
		r.mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	}
	if cfg.Intake.HTTP {
		intake.NewHTTPHandler(r.gateway, r.queue, r.store, cfg.Intake.MaxUploadBytes, r.logger).Register(r.mux)
	}
	return nil
}

func (r *Runtime) startIntake(ctx context.Context) error {
	if r.cfg.Intake.Bus {
		r.busIntake = intake.NewBusListener(r.bus, r.gateway, r.logger)
		if err := r.busIntake.Start(); err != nil {
			return fmt.Errorf("start bus intake: %w", err)
		}
	}
	if r.cfg.Intake.WatchDir != "" {
		r.watcher = intake.NewWatcher(ctx, r.cfg.Intake.WatchDir, r.gateway, 0, r.logger)
		if err := r.watcher.Start(); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	return nil
}

// close releases components in reverse build order. Safe on a partial build.
func (r *Runtime) close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	if r.busIntake != nil {
		r.busIntake.Close()
	}
	if r.queue != nil {
		r.queue.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.ttsService != nil {
		r.ttsService.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

func nodeCapabilities(cfg config.Config) []capability.Capability {
	caps := []capability.Capability{{
		Name: capability.Batch,
		Attributes: map[string]string{
			"renderer": cfg.Renderer.Mode,
			"voices":   strings.Join(cfg.Batch.Voices, ","),
			"sink":     cfg.Sink.Mode,
		},
	}}
	if cfg.TTS.Enabled {
		caps = append(caps, capability.Capability{
			Name:       capability.TTS,
			Attributes: map[string]string{"mode": cfg.TTS.Mode, "voice": cfg.TTS.Voice},
		})
	}
	return caps
}

func renderTimeout(cfg config.Config) time.Duration {
	return time.Duration(cfg.Renderer.TimeoutMS) * time.Millisecond
}

func (r *Runtime) healthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.ttsService != nil && !r.ttsService.Healthy() {
		return false
	}
	if r.busIntake != nil && !r.busIntake.Healthy() {
		return false
	}
	if r.watcher != nil && !r.watcher.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	if r.cfg.Renderer.Mode == "bus" && (r.registry == nil || !r.registry.Available(capability.TTS)) {
		return false
	}
	return true
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.registry.Nodes())
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

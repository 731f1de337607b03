package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/versofon/verso-core/internal/annotate"
	"github.com/versofon/verso-core/internal/bus"
	"github.com/versofon/verso-core/internal/config"
	"github.com/versofon/verso-core/internal/jobs"
	"github.com/versofon/verso-core/internal/natsserver"
	"github.com/versofon/verso-core/internal/render"
	"github.com/versofon/verso-core/internal/service"
	"github.com/versofon/verso-core/internal/store"
	"github.com/versofon/verso-core/internal/timeline"
	"github.com/versofon/verso-core/internal/tts"
	"github.com/versofon/verso-core/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *store.Store
	service  *service.Service

	wg sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	st, err := store.Open(ctx, r.cfg.Library, r.logger.With(slog.String("component", "store")))
	if err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to open unit store: %w", err)
	}
	r.store = st

	voices, err := voice.NewRegistry(r.cfg.Library.VoicesPath)
	if err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to load voice registry: %w", err)
	}

	synth, err := newSynthesizer(r.cfg.TTS)
	if err != nil {
		r.shutdownComponents()
		return err
	}
	if r.cfg.TTS.Warmup {
		if _, err := synth.Synthesize(ctx, tts.Request{Text: "warmup.", Seed: -1}); err != nil {
			r.logger.Warn("tts warmup failed", slog.String("error", err.Error()))
		}
	}

	annotator, err := newAnnotator(r.cfg.Annotate)
	if err != nil {
		r.shutdownComponents()
		return err
	}

	tracker := jobs.NewTracker(r.logger)
	dispatcher := render.NewDispatcher(r.cfg.Render, st, voices, synth, tracker,
		r.cfg.Library.DataDir, r.logger)
	assembler := timeline.NewAssembler(r.cfg.Timeline, st,
		r.cfg.Library.DataDir, r.logger)

	svc := service.NewService(ctx, r.cfg.Ingest, busClient, st, dispatcher, tracker,
		assembler, annotator, r.logger)
	if err := svc.Start(); err != nil {
		r.shutdownComponents()
		return fmt.Errorf("failed to start control service: %w", err)
	}
	r.service = svc

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.shutdownComponents()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// shutdownComponents tears down in reverse start order. Safe to call
// with a partially started runtime.
func (r *Runtime) shutdownComponents() {
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "mock":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func newAnnotator(cfg config.AnnotateConfig) (annotate.Annotator, error) {
	if !cfg.Enabled {
		return annotate.NewMockAnnotator(), nil
	}
	switch cfg.Mode {
	case "openai":
		return annotate.NewOpenAIAnnotator(cfg), nil
	case "exec":
		return annotate.NewExecAnnotator(cfg.Command)
	case "mock":
		return annotate.NewMockAnnotator(), nil
	default:
		return nil, fmt.Errorf("unknown annotate mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.service != nil && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

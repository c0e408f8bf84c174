package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

type Runtime struct {
	cfg        config.Config
	version    string
	logger     *slog.Logger
	httpServer *http.Server
	metricsSrv *http.Server
	telemetry  *telemetry
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	router     *router.Service
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.SessionStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	r.store = store
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("session store prune failed", slog.String("error", err.Error()))
	}

	backends, err := r.buildBackends()
	if err != nil {
		return err
	}
	r.router = router.NewService(ctx, r.cfg.Router, r.bus, backends, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", tel.handler)
	if r.cfg.Telemetry.PrometheusBind != "" {
		r.metricsSrv = r.serve("metrics", r.cfg.Telemetry.PrometheusBind, tel.handler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = r.serve("http", addr, mux)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	srv, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	r.natsServer = srv

	busCfg := r.cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) buildBackends() (router.Backends, error) {
	gen, err := llm.NewFromConfig(r.cfg.LLM)
	if err != nil {
		return router.Backends{}, fmt.Errorf("failed to create generator: %w", err)
	}
	synth, err := tts.NewFromConfig(r.cfg.TTS, r.logger)
	if err != nil {
		return router.Backends{}, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	devices, err := deviceFactory(r.cfg.Audio, r.bus, r.logger)
	if err != nil {
		return router.Backends{}, err
	}

	var store session.Store = session.NewMemoryStore()
	if r.cfg.SessionStore.RetentionMode != "ephemeral" {
		store = r.store
	}

	var retriever orchestrator.Retriever
	if r.cfg.Retrieval.Enabled {
		retriever = newRetriever(r.cfg.Retrieval, r.logger)
	}

	return router.Backends{
		Settings:      orchestrator.SettingsFromConfig(r.cfg),
		Store:         store,
		Retriever:     retriever,
		Generator:     gen,
		Synthesizer:   synth,
		Devices:       devices,
		QueueCapacity: r.cfg.Audio.QueueCapacity,
	}, nil
}

func newRetriever(cfg config.RetrievalConfig, logger *slog.Logger) *retrieval.Client {
	client := &http.Client{Timeout: time.Duration(cfg.FetchTimeoutMS) * time.Millisecond}
	var fetcher retrieval.Fetcher
	if cfg.FetchContent {
		fetcher = retrieval.NewPageFetcher(client)
	}
	return retrieval.New(
		retrieval.SettingsFromConfig(cfg),
		retrieval.NewSearXNG(cfg.SearchEndpoint, client),
		fetcher,
		retrieval.NewOllamaEmbedder(cfg.EmbedEndpoint, cfg.EmbedModel, cfg.EmbedRequestsPerMinute, client),
		logger,
	)
}

func deviceFactory(cfg config.AudioConfig, client *bus.Client, logger *slog.Logger) (router.DeviceFactory, error) {
	switch cfg.Device {
	case "", "null":
		return func(string) (audio.Device, error) {
			return audio.NullDevice{Realtime: cfg.Realtime}, nil
		}, nil
	case "exec":
		if _, err := audio.NewExecDevice(cfg.Command, logger); err != nil {
			return nil, err
		}
		return func(string) (audio.Device, error) {
			return audio.NewExecDevice(cfg.Command, logger)
		}, nil
	case "bus":
		return func(sessionID string) (audio.Device, error) {
			return audio.NewBusDevice(client, sessionID, cfg.Realtime), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown audio device %q", cfg.Device)
	}
}

func (r *Runtime) serve(name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

// shutdown releases everything Start created, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.router != nil {
		r.router.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("session store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && (r.router == nil || r.router.Healthy())
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

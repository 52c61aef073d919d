package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrybelabs/scrybe-core/internal/audio"
	"github.com/scrybelabs/scrybe-core/internal/backend"
	"github.com/scrybelabs/scrybe-core/internal/bus"
	"github.com/scrybelabs/scrybe-core/internal/commands"
	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/controller"
	"github.com/scrybelabs/scrybe-core/internal/delivery"
	"github.com/scrybelabs/scrybe-core/internal/executor"
	"github.com/scrybelabs/scrybe-core/internal/history"
	"github.com/scrybelabs/scrybe-core/internal/natsserver"
	"github.com/scrybelabs/scrybe-core/internal/pretranscribe"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
	"github.com/scrybelabs/scrybe-core/internal/provider"
	"github.com/scrybelabs/scrybe-core/internal/refine"
	"github.com/scrybelabs/scrybe-core/internal/route"
)

// Runtime assembles the daemon: telemetry, bus, stores, engine, controller,
// and the ops HTTP surface. Start blocks until ctx is cancelled.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *history.Store
	backendMgr *backend.Manager
	ctrl       *controller.Controller
	cmdService *commands.Service

	ready atomic.Bool
	wg    sync.WaitGroup
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

	r.natsServer, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}

	busCfg := r.cfg.Bus
	if r.natsServer != nil {
		busCfg.Servers = []string{r.natsServer.ClientURL()}
	}
	r.busClient, err = bus.Connect(busCfg, r.logger)
	if err != nil {
		r.natsServer.Shutdown()
		return err
	}

	r.store, err = history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		r.teardown(ctx)
		return err
	}

	r.backendMgr = backend.NewManager(r.cfg.Backend, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.backendMgr.RunIdleReaper(ctx)
	}()

	local := provider.NewLocal(r.cfg.Backend.Endpoint)
	cloud := provider.NewCloud(r.cfg.Engine.CloudEndpoint, func() string {
		return os.Getenv(r.cfg.Engine.CloudAPIKeyEnv)
	})
	registry := route.NewRegistry()
	registry.Register(r.cfg.Engine.LocalProviderID, local)
	registry.Register(r.cfg.Engine.CloudProviderID, cloud)
	planner := route.NewPlanner(registry, r.logger)

	sink := delivery.NewBusSink(r.busClient, r.logger)
	refiner := refine.NewWorker(r.cfg.Refine, sink, r.logger)
	exec := executor.New(r.logger, r.cfg.Engine.LLMRewrite)
	recorder := audio.NewCommandRecorder(r.cfg.Audio.CaptureCommand, r.cfg.Audio.SampleRate, r.cfg.Audio.Channels, r.logger)

	chunkASR := pretranscribe.ChunkFunc(func(ctx context.Context, wavPath string) (string, error) {
		result, err := local.TranscribeChunk(ctx, provider.Request{
			Mode:     protocol.ModeDictate,
			ASRModel: r.cfg.Engine.ASRModel,
			Audio:    audio.Capture{Path: wavPath},
		})
		if err != nil {
			return "", err
		}
		return result.Text, nil
	})
	fullASR := pretranscribe.FullFunc(func(ctx context.Context, capture audio.Capture) (string, error) {
		result, err := local.TranscribeChunk(ctx, provider.Request{
			Mode:     protocol.ModeDictate,
			ASRModel: r.cfg.Engine.ASRModel,
			Audio:    capture,
		})
		if err != nil {
			return "", err
		}
		return result.Text, nil
	})

	r.ctrl = controller.New(ctx, controller.Deps{
		Config:   r.cfg,
		Logger:   r.logger,
		Recorder: recorder,
		Planner:  planner,
		Executor: exec,
		Backend:  r.backendMgr,
		Sink:     sink,
		History:  r.store,
		Refiner:  refiner,
		Pub:      r.busClient,
		ChunkASR: chunkASR,
		FullASR:  fullASR,
	})

	r.cmdService = commands.NewService(ctx, r.busClient, r.ctrl, r.logger)
	if err := r.cmdService.Start(); err != nil {
		r.teardown(ctx)
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)
	mux.HandleFunc("/history", r.handleHistory)

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

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	r.cmdService.Close()
	r.ctrl.Terminate(shutdownCtx)
	r.backendMgr.Stop()

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.teardown(shutdownCtx)
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("history close failed", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
		r.natsServer = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() && r.cmdService.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.ctrl.Snapshot())
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := r.store.ListRecent(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

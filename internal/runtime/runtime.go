package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-batch/internal/backend"
	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/bus"
	"github.com/loqalabs/loqa-batch/internal/config"
	"github.com/loqalabs/loqa-batch/internal/eventstore"
	"github.com/loqalabs/loqa-batch/internal/gateway"
	"github.com/loqalabs/loqa-batch/internal/natsserver"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	recorder *eventstore.Recorder
	tracker  *batch.Tracker
	gateway  *gateway.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// SchedulerConfig maps tracker settings onto the poll scheduler.
func SchedulerConfig(cfg config.TrackerConfig) batch.SchedulerConfig {
	return batch.SchedulerConfig{
		Interval:       cfg.PollInterval(),
		MaxInFlight:    cfg.MaxInFlight,
		MaxBackoff:     cfg.MaxBackoff(),
		FailureCeiling: cfg.FailureCeiling,
		QueryTimeout:   cfg.QueryTimeout(),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.shutdown()

	if err := r.startTracking(ctx); err != nil {
		return err
	}
	if err := r.startGateway(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/jobs", r.handleJobs)
	if r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", tel.metricsHandler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metricsHandler())
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.events.Enabled() {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("backend", r.cfg.Backend.Mode),
		slog.Bool("gateway", r.gateway != nil))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startTracking(ctx context.Context) error {
	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events
	r.recorder = eventstore.NewRecorder(events, r.logger)

	client, err := backend.New(r.cfg.Backend)
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}
	r.tracker = batch.NewTracker(client, SchedulerConfig(r.cfg.Tracker), r.logger,
		batch.WithObserver(r.recorder),
		batch.WithMeterProvider(r.telemetry.meters))
	r.tracker.Start(ctx)
	return nil
}

func (r *Runtime) startGateway(ctx context.Context) error {
	if !r.cfg.Gateway.Enabled {
		return nil
	}
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	svc := gateway.NewService(ctx, r.cfg.Gateway, client, r.tracker, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	r.gateway = svc
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown stops components in reverse start order. It tolerates partially
// started runtimes.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.tracker != nil {
		r.tracker.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.gateway != nil && (!r.gateway.Healthy() || !r.bus.Healthy()) {
		return false
	}
	return true
}

// handleJobs serves the tracked job list, newest first.
func (r *Runtime) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if r.tracker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.tracker.TrackedJobs())
}

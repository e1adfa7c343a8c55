// Command orchestratord is the application root: it loads configuration,
// wires the bus/lock-manager/registry/router/runtime/analysis-worker
// singletons (spec §9 "encapsulate behind small initialize-once objects
// owned by the application root"), starts the scheduler and analysis
// worker, serves the control surface, and shuts down cleanly on signal.
// Grounded on the teacher's cmd/nexus/main.go + handlers_serve.go wiring
// order (config load -> stores -> components -> background workers ->
// serve -> graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qaforge/orchestrator-core/internal/analysis"
	"github.com/qaforge/orchestrator-core/internal/config"
	"github.com/qaforge/orchestrator-core/internal/controlsurface"
	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventbus/transport"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/progress"
	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/reslock"
	"github.com/qaforge/orchestrator-core/internal/router"
	"github.com/qaforge/orchestrator-core/internal/runtime"
	"github.com/qaforge/orchestrator-core/internal/schedsource"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/storage/pg"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the orchestratord configuration document")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if err := run(*configPath); err != nil {
		slog.Error("orchestratord exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("configuration loaded", "config", configPath, "storage_driver", cfg.Storage.Driver)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := wire(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wire components: %w", err)
	}
	defer deps.close()

	deps.locks.Start(ctx)
	defer deps.locks.Stop()

	if err := deps.schedules.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer deps.schedules.Stop(context.Background())

	if err := deps.analysisWorker.Start(ctx); err != nil {
		return fmt.Errorf("start analysis worker: %w", err)
	}
	defer deps.analysisWorker.Stop(context.Background())

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: deps.controlSurface}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control surface listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control surface: %w", err)
		}
	}

	slog.Info("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// components bundles every singleton the application root owns, so
// run's defer chain can close/stop them in one place.
type components struct {
	store          storage.AnalysisQueueStore
	closeStore     func()
	closeTransport func()
	bus            *eventbus.Bus
	locks          *reslock.Manager
	reg            *registry.Registry
	rt             *runtime.Runtime
	rtr            *router.Router
	hub            *progress.Hub
	schedules      *schedsource.Source
	analysisWorker *analysis.Worker
	controlSurface *controlsurface.Server
}

func (c *components) close() {
	if c.closeTransport != nil {
		c.closeTransport()
	}
	if c.closeStore != nil {
		c.closeStore()
	}
}

func wire(ctx context.Context, cfg config.Config) (*components, error) {
	tel := telemetry.New("orchestratord")

	eventStore, lockStore, queueStore, historyStore, closeStore, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	busOpts := []eventbus.Option{eventbus.WithLogger(tel.Logger.With("component", "eventbus"))}
	var closeTransport func()
	if cfg.Transport.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Transport.RedisAddr})
		trans := transport.NewRedisTransport(client, cfg.Transport.Channel,
			transport.WithLogger(tel.Logger.With("component", "eventbus.transport")))
		busOpts = append(busOpts, eventbus.WithTransport(trans))
		closeTransport = func() {
			if err := trans.Close(); err != nil {
				slog.Warn("failed to close event transport", "error", err)
			}
		}
	}
	bus := eventbus.New(eventStore, busOpts...)
	locks := reslock.New(lockStore, bus, reslock.WithLogger(tel.Logger.With("component", "reslock")))

	reg := registry.New(registry.WithLogger(tel.Logger.With("component", "registry")))
	if cfg.Registry.SkillDir != "" {
		if _, err := reg.LoadSkillDir(cfg.Registry.SkillDir); err != nil {
			return nil, fmt.Errorf("load skill dir: %w", err)
		}
	}
	if cfg.Registry.AgentDir != "" {
		if _, err := reg.LoadAgentDir(cfg.Registry.AgentDir); err != nil {
			return nil, fmt.Errorf("load agent dir: %w", err)
		}
	}

	rt := runtime.New(reg, bus, locks, unimplementedLLM{}, unimplementedTools{}, tel,
		runtime.WithTokenModel(cfg.Runtime.TokenModel, cfg.Runtime.TokenLimit),
		runtime.WithHistoryStore(historyStore),
		runtime.WithTokenCost(cfg.Runtime.CostInPerMTok, cfg.Runtime.CostOutPerMTok))

	rtr := router.New(reg, bus, rt, tel)
	rtr.SubscribeTriggers(reg.TriggerEventTypes())

	hub := progress.New(tel.Logger.With("component", "progress"))

	schedules := buildSchedules(bus, cfg.Schedules, tel)

	analysisWorker := analysis.New(queueStore, buildQueueConfigs(cfg.AnalysisQueues), unimplementedClassifier{},
		analysis.NewHTTPArtifactFetcher(nil), hub, tel)
	analysisWorker.SubscribeBus(bus, defaultAnalysisQueue(cfg.AnalysisQueues))

	surface := controlsurface.New(reg, rt, bus, locks, hub, tel.Logger.With("component", "controlsurface"))

	return &components{
		store: queueStore, closeStore: closeStore, closeTransport: closeTransport,
		bus: bus, locks: locks, reg: reg, rt: rt, rtr: rtr, hub: hub,
		schedules: schedules, analysisWorker: analysisWorker, controlSurface: surface,
	}, nil
}

func openStorage(ctx context.Context, cfg config.Config) (storage.EventStore, storage.LockStore, storage.AnalysisQueueStore, storage.HistoryStore, func(), error) {
	if cfg.Storage.Driver == "postgres" {
		store, err := pg.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("open postgres storage: %w", err)
		}
		return store, store, store, store, func() { store.Close() }, nil
	}
	mem := storage.NewMemoryStore()
	return mem, mem, mem, mem, func() {}, nil
}

func buildSchedules(bus *eventbus.Bus, defs []config.ScheduleConfig, tel telemetry.Telemetry) *schedsource.Source {
	sourceDefs := make([]schedsource.ScheduleDef, 0, len(defs))
	for _, d := range defs {
		priority := eventtypes.Priority(d.Priority)
		if !priority.Valid() {
			priority = eventtypes.PriorityNormal
		}
		sourceDefs = append(sourceDefs, schedsource.ScheduleDef{
			ID:        d.ID,
			CronExpr:  d.Cron,
			EventType: d.EventType,
			Payload:   d.Payload,
			Priority:  priority,
		})
	}
	return schedsource.New(bus, sourceDefs, schedsource.WithLogger(tel.Logger.With("component", "schedsource")))
}

func buildQueueConfigs(defs []config.AnalysisQueueConfig) []analysis.QueueConfig {
	if len(defs) == 0 {
		return []analysis.QueueConfig{{Name: "default"}}
	}
	out := make([]analysis.QueueConfig, 0, len(defs))
	for _, d := range defs {
		out = append(out, analysis.QueueConfig{
			Name:              d.Name,
			PollInterval:      d.PollInterval,
			VisibilityTimeout: d.VisibilityTimeout,
			MaxRetries:        d.MaxRetries,
			Concurrency:       d.Concurrency,
		})
	}
	return out
}

func defaultAnalysisQueue(defs []config.AnalysisQueueConfig) string {
	if len(defs) == 0 {
		return "default"
	}
	return defs[0].Name
}

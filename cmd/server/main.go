package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"browser-test-orchestrator/internal/api"
	"browser-test-orchestrator/internal/clock"
	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/events"
	"browser-test-orchestrator/internal/monitor"
	"browser-test-orchestrator/internal/orchestrator"
	"browser-test-orchestrator/internal/retention"
	"browser-test-orchestrator/internal/stats"
	"browser-test-orchestrator/internal/storage"
	"browser-test-orchestrator/internal/worker"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg := loadConfig()
	closeLog := monitor.SetupLogging(cfg.Logging)
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server failed")
		closeLog.Close()
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		cfg = loaded
	} else {
		log.Info().Str("path", path).Msg("no config file found, using defaults")
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	return cfg
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Tracing.Enabled {
		tp, err := monitor.NewTracerProvider(ctx, cfg.Tracing)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				log.Error().Err(err).Msg("tracer shutdown error")
			}
		}()
	}

	metrics := monitor.NewMetrics()
	clk := clock.RealClock{}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	bus, err := openBus(cfg.Events)
	if err != nil {
		return err
	}
	defer bus.Close()

	gate := orchestrator.NewGate(store, cfg.Orchestrator.MaxConcurrent, metrics)
	if err := gate.Recover(ctx); err != nil {
		return err
	}

	client := worker.NewClient(cfg.Worker)
	dispatcher := worker.NewDispatcher(client, cfg.Worker, metrics)

	mgr := orchestrator.NewManager(cfg.Orchestrator, cfg.Server.PublicURL, store, gate, bus, dispatcher, clk, metrics)
	dispatcher.OnFailure(func(job worker.Job, cause error) {
		// the request context is gone by now
		fctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.Timeout)
		defer cancel()
		if err := mgr.FailDispatch(fctx, job.ExecutionID, cause); err != nil {
			log.Error().Err(err).Str("execution_id", job.ExecutionID).Msg("failed to record dispatch failure")
		}
	})
	dispatcher.Start()
	defer dispatcher.Flush(cfg.Server.ShutdownTimeout)

	h := api.NewHandlers(api.Deps{
		Store:    store,
		Manager:  mgr,
		Ingestor: orchestrator.NewIngestor(mgr),
		Catalog:  orchestrator.NewCatalog(store, mgr.Registry()),
		Stats:    stats.New(store, gate, clk, cfg.Orchestrator.MaxRunDuration),
		Bus:      bus,
		Slots:    gate,
		Worker:   client,
		Metrics:  metrics,
		Clock:    clk,
	}, cfg.Events.Heartbeat, cfg.Security.AllowedOrigins)
	server := api.NewServer(cfg, h, metrics)
	janitor := retention.NewJanitor(store, cfg.Retention, clk, metrics)

	log.Info().
		Str("addr", cfg.Address()).
		Str("database", cfg.Database.Driver).
		Str("events", cfg.Events.Backend).
		Int("max_concurrent", cfg.Orchestrator.MaxConcurrent).
		Str("worker", cfg.Worker.URL).
		Msg("orchestrator starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return mgr.RunSweeper(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openBus(cfg config.EventsConfig) (events.Broadcaster, error) {
	if cfg.Backend == "nats" {
		return events.NewNATS(events.NATSConfig{
			URL:           cfg.NATSURL,
			Name:          "browser-test-orchestrator",
			SubjectPrefix: cfg.SubjectPrefix,
			Buffer:        cfg.BufferSize,
		})
	}
	return events.NewMemory(cfg.BufferSize), nil
}

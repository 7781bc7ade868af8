package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/notify"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/telemetry"
	"qms/clinic-queue/migrations"
)

func newServeCmd() *cobra.Command {
	var (
		migrate  bool
		seedDemo bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(cfg), migrate, seedDemo)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before serving (postgres store)")
	cmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "load demo services, counters and sessions (memory store)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate, seedDemo bool) error {
	providers, err := telemetry.Setup(ctx, "clinic-queue", logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, logger, migrate, seedDemo)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := notify.New(cfg.BusBuffer, logger)
	engine := queue.New(st, bus, queue.Options{
		AnnounceSkipThreshold: cfg.AnnounceSkipThreshold,
		QueueIDMaxAttempts:    cfg.QueueIDMaxAttempts,
		Logger:                logger,
	})

	mux := httpapi.NewHandler(engine, logger).Routes()
	mux.Handle("/metrics", providers.Metrics)
	httpapi.NewRealtime(bus, st, engine, logger).Mount(mux)

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		CallerPerMinute: cfg.CallerRateLimitPerMinute,
		CallerBurst:     cfg.CallerRateLimitBurst,
	})
	handler := otelhttp.NewHandler(
		httpapi.LoggingMiddleware(logger, limiter.Middleware(httpapi.AuthMiddleware(st, mux))),
		"clinic-queue",
	)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("clinic-queue listening", "addr", server.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Sweep()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate, seedDemo bool) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		st := memory.New()
		if seedDemo {
			if err := loadDemo(st); err != nil {
				return nil, nil, err
			}
			logger.Warn("memory store seeded with demo data", "staff_tokens", demoStaffTokens(), "patient_token", demoPatientToken)
		}
		return st, func() {}, nil
	default:
		if migrate {
			if err := postgres.Migrate(ctx, cfg.DatabaseURL, migrations.FS); err != nil {
				return nil, nil, err
			}
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db config: %w", err)
		}
		if cfg.DBMaxConns > 0 {
			poolCfg.MaxConns = cfg.DBMaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		return postgres.NewStore(pool), pool.Close, nil
	}
}

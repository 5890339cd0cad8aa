// dsogw is the dataset gateway server. It loads the dataset catalog
// from a schema source, serves every dataset's tables as a REST API
// over Postgres/PostGIS, and proxies the datasets whose rows live
// behind upstream HTTP endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datastelsel/dsogateway/internal/api"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/config"
	"github.com/datastelsel/dsogateway/internal/postgres"
	"github.com/datastelsel/dsogateway/internal/remote"
	"github.com/datastelsel/dsogateway/internal/scheduler"
	"github.com/datastelsel/dsogateway/internal/schema"
)

const shutdownTimeout = 15 * time.Second

// validateEnv checks that critical environment variables have valid
// values before anything connects.
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}
	if base := os.Getenv("BASE_URL"); base != "" {
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("BASE_URL=%q: must be an absolute URL", base))
		}
	}
	return errs
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("invalid environment", "error", e)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	loader, err := schema.NewLoader(cfg.SchemaSource)
	if err != nil {
		return fmt.Errorf("schema source: %w", err)
	}
	registry, err := schema.NewRegistry(ctx, loader)
	if err != nil {
		return err
	}
	logger.Info("schema catalog loaded",
		"datasets", len(registry.Current().Datasets()),
		"fingerprint", registry.Current().Fingerprint)

	profiles, err := auth.NewProfileStore(ctx, cfg.ProfileDir)
	if err != nil {
		return err
	}

	srv := &api.Server{
		Registry:    registry,
		DB:          pool,
		Gate:        &auth.Gate{Log: logger},
		Remote:      remote.NewClient(logger),
		Profiles:    profiles.Current,
		BaseURL:     cfg.BaseURL,
		CORSOrigins: cfg.CORSOrigins,
		Log:         logger,
		DBHealth:    postgres.NewHealthChecker(pool),
	}

	if cfg.ReloadSchedule != "" {
		reloader, err := scheduler.New(cfg.ReloadSchedule,
			scheduler.Job{Name: "schema", Run: registry.Reload},
			scheduler.Job{Name: "profiles", Run: profiles.Reload},
		)
		if err != nil {
			return fmt.Errorf("reload schedule: %w", err)
		}
		reloader.Start(ctx)
		defer reloader.Stop()
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: CSV and GeoJSON exports stream large result
		// sets; the proxy in front enforces client deadlines.
		IdleTimeout: 120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Listen, "baseUrl", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Command server runs the communications backend: the HTTP API, the
// background reconciliation schedule, and the observability plumbing.
//
// Startup order:
//  1. Load .env (best effort) and environment configuration
//  2. Configure zerolog (level, optional pretty console output)
//  3. Initialize OpenTelemetry tracing (no-op unless enabled)
//  4. Open SQLite and run migrations
//  5. Schedule background lite syncs when SYNC_CRON is set
//  6. Serve HTTP with graceful shutdown on SIGINT/SIGTERM
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/truckdesk/go-comms-backend/internal/config"
	httpapi "github.com/truckdesk/go-comms-backend/internal/http"
	"github.com/truckdesk/go-comms-backend/internal/observability"
	"github.com/truckdesk/go-comms-backend/internal/repo"
	"github.com/truckdesk/go-comms-backend/internal/retell"
	"github.com/truckdesk/go-comms-backend/internal/services"
	"github.com/truckdesk/go-comms-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().Str("version", version).Str("port", cfg.Port).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	// Background lite syncs keep sessions fresh between webhook deliveries.
	if cfg.SyncCron != "" {
		client := retell.NewClient(cfg.Retell, log.Logger)
		syncSvc := services.NewSyncService(db, client, log.Logger)
		sched := cron.New()
		if _, err := sched.AddFunc(cfg.SyncCron, func() {
			sum := syncSvc.RunLite(context.Background())
			log.Info().
				Int("created", sum.SessionsCreated).
				Int("updated", sum.SessionsUpdated).
				Int("errors", len(sum.Errors)).
				Msg("scheduled sync")
		}); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.SyncCron).Msg("invalid SYNC_CRON")
		}
		sched.Start()
		defer sched.Stop()
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("server failed")
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("stopped")
}

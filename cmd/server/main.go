package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rockola/backend/internal/broker"
	"github.com/rockola/backend/internal/config"
	"github.com/rockola/backend/internal/database"
	"github.com/rockola/backend/internal/jobs"
	"github.com/rockola/backend/internal/logging"
	"github.com/rockola/backend/internal/router"
	"github.com/rockola/backend/internal/services"
	"github.com/rockola/backend/internal/store"
)

func main() {
	// Initialize structured logging (reads LOGGING_LEVEL env var)
	logging.Initialize()

	// Load configuration
	cfg := config.Load()

	// Initialize database
	sqlDB, err := database.New(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(sqlDB); err != nil {
		slog.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Wire services
	docs := store.NewSQLite(sqlDB)
	hub := broker.New()
	sessionLocks := services.NewKeyedMutex()

	authService := services.NewAuthService(cfg.JWTSecret, cfg.HostTokenDuration, cfg.CustomerTokenDuration, cfg.TestBypassToken, !cfg.IsProduction())
	ledgerService := services.NewLedgerService(docs, cfg.CommissionRateBPS)
	queueService := services.NewQueueService(docs, ledgerService, hub, sessionLocks, cfg.QueueMaxPending, cfg.BonusRateBPS)
	joinCodeService := services.NewJoinCodeService(docs)
	sessionService := services.NewSessionService(docs, queueService, joinCodeService, hub, sessionLocks)

	// Background maintenance: unpaid request expiry and idle session cleanup
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	maintenance := jobs.NewMaintenance(queueService, sessionService, cfg.MaintenanceInterval, cfg.PaymentConfirmTimeout, cfg.IdleSessionTimeout)
	go maintenance.Run(ctx)

	// Create router
	r := router.New(cfg, router.Services{
		Auth:     authService,
		Sessions: sessionService,
		Queue:    queueService,
		Ledger:   ledgerService,
		Hub:      hub,
	})

	// Start server
	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		srv.Shutdown(context.Background())
	}()

	slog.Info("starting server", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

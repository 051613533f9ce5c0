package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"db_view_migrator/internal/config"
	"db_view_migrator/internal/logging"
	"db_view_migrator/internal/migration"
	"db_view_migrator/internal/operations"
	"db_view_migrator/internal/plan"
	"db_view_migrator/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner := migration.NewRunner(pool, logging.Component(logger, "runner"), cfg.MigrationsDir, cfg.ConnAlias, operations.AllowAll{})
	planner := &plan.Service{MigrationsDir: cfg.MigrationsDir, TargetSnapshot: cfg.TargetSnapshot}
	sessions := server.NewSessionManager(cfg.SecretKeyBytes)

	srv := server.New(cfg, logging.Component(logger, "http"), sessions, planner, runner)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vdavid/mailguard/internal/config"
	"github.com/vdavid/mailguard/internal/db"
	applog "github.com/vdavid/mailguard/internal/logger"
	"github.com/vdavid/mailguard/internal/server"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := applog.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)
	logger.Info("Connected to database", zap.String("environment", cfg.Environment))

	a, err := server.New(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	return a.Run(ctx, ":"+cfg.Port, cfg.ShutdownGrace)
}

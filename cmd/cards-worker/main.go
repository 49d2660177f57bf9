package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethsmith/csc-trading-cards-api/internal/cards"
	"github.com/ethsmith/csc-trading-cards-api/internal/config"
	"github.com/ethsmith/csc-trading-cards-api/internal/db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, "cards-worker")
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	svc := cards.NewService(pool, nil, nil, logger)

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("CARDS_WORKER_RUN_ONCE")), "true")
	if runOnce {
		expired, err := svc.ExpireStaleTrades(ctx, cfg.TradeTTL)
		if err != nil {
			logger.Error("trade sweep failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "trades_expired", expired)
		return
	}

	ticker := time.NewTicker(cfg.SweepEvery)
	defer ticker.Stop()

	logger.Info("worker started", "sweep_every", cfg.SweepEvery.String(), "trade_ttl", cfg.TradeTTL.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			expired, err := svc.ExpireStaleTrades(ctx, cfg.TradeTTL)
			if err != nil {
				logger.Error("trade sweep failed", "err", err)
				continue
			}
			if expired > 0 {
				logger.Info("trade sweep complete", "trades_expired", expired)
			}
		}
	}
}

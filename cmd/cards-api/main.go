package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethsmith/csc-trading-cards-api/internal/api"
	"github.com/ethsmith/csc-trading-cards-api/internal/auth"
	"github.com/ethsmith/csc-trading-cards-api/internal/cards"
	"github.com/ethsmith/csc-trading-cards-api/internal/config"
	"github.com/ethsmith/csc-trading-cards-api/internal/db"
	"github.com/ethsmith/csc-trading-cards-api/internal/notify"
	"github.com/ethsmith/csc-trading-cards-api/internal/stats"
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
	pool, err := db.Connect(ctx, cfg.DatabaseURL, "cards-api")
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rarities, err := cards.ParseRarityTable(cfg.RarityWeights)
	if err != nil {
		logger.Error("rarity table invalid", "err", err)
		os.Exit(1)
	}

	notifier, err := notify.NewNotifier(cfg.DiscordBotToken, logger)
	if err != nil {
		logger.Error("discord notifier init failed", "err", err)
		os.Exit(1)
	}

	authClient := auth.NewDiscordClient(cfg.DiscordAPIURL)
	source := stats.NewCache(stats.NewClient(cfg.StatsAPIURL, cfg.StatsAPIToken), cfg.StatsCacheTTL)
	cardsSvc := cards.NewService(pool, source, rarities, logger)

	server := api.New(cfg, logger, authClient, cardsSvc, notifier)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("cards api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

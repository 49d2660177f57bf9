package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr            string
	DatabaseURL     string
	DiscordAPIURL   string
	DiscordBotToken string
	AdminToken      string
	StatsAPIURL     string
	StatsAPIToken   string
	StatsCacheTTL   time.Duration
	PackSize        int
	StarterPacks    int64
	RarityWeights   string
	TradeTTL        time.Duration
	SweepEvery      time.Duration
}

type CLIConfig struct {
	APIBaseURL string
	AdminToken string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("CARDS_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DiscordAPIURL:   strings.TrimRight(envDefault("CARDS_DISCORD_API_URL", "https://discord.com/api/v10"), "/"),
		DiscordBotToken: strings.TrimSpace(os.Getenv("CARDS_DISCORD_BOT_TOKEN")),
		AdminToken:      strings.TrimSpace(os.Getenv("CARDS_ADMIN_TOKEN")),
		StatsAPIURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("CARDS_STATS_API_URL")), "/"),
		StatsAPIToken:   strings.TrimSpace(os.Getenv("CARDS_STATS_API_TOKEN")),
		StatsCacheTTL:   envDurationDefault("CARDS_STATS_CACHE_TTL", 5*time.Minute),
		PackSize:        envIntDefault("CARDS_PACK_SIZE", 5),
		StarterPacks:    int64(envIntDefault("CARDS_STARTER_PACKS", 3)),
		RarityWeights:   strings.TrimSpace(os.Getenv("CARDS_RARITY_WEIGHTS")),
		TradeTTL:        envDurationDefault("CARDS_TRADE_TTL", 14*24*time.Hour),
		SweepEvery:      envDurationDefault("CARDS_SWEEP_EVERY", time.Hour),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AdminToken == "" {
		return cfg, fmt.Errorf("CARDS_ADMIN_TOKEN is required")
	}
	if cfg.StatsAPIURL == "" {
		return cfg, fmt.Errorf("CARDS_STATS_API_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CARDS_API_BASE_URL", "http://localhost:8080"), "/"),
		AdminToken: strings.TrimSpace(os.Getenv("CARDS_ADMIN_TOKEN")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

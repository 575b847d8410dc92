package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	AppEnv string

	RedisURL    string
	DatabaseURL string

	HTTPAddr     string
	FeedAddr     string
	GatewayToken string

	NotifyURL  string
	NotifyRoom string
	MsgcatDir  string

	AutomatchMaxRetries int
	AutomatchTicketTTL  time.Duration
	SweepInterval       time.Duration

	MoveTotalBudget    time.Duration
	MoveAttemptTimeout time.Duration
	MatchTimerDuration time.Duration
}

// Load reads the environment, after merging an optional .env file (existing
// variables win). REDIS_URL is the only required key.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{
		AppEnv:              "development",
		HTTPAddr:            ":8080",
		FeedAddr:            ":8081",
		AutomatchMaxRetries: 3,
		AutomatchTicketTTL:  10 * time.Minute,
		SweepInterval:       time.Minute,
		MoveTotalBudget:     60 * time.Second,
		MoveAttemptTimeout:  20 * time.Second,
		MatchTimerDuration:  90 * time.Second,
	}

	if v := env("APP_ENV"); v != "" {
		cfg.AppEnv = v
	}
	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")
	if v := env("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := env("FEED_ADDR"); v != "" {
		cfg.FeedAddr = v
	}
	cfg.GatewayToken = env("GATEWAY_TOKEN")
	cfg.NotifyURL = env("NOTIFY_URL")
	cfg.NotifyRoom = env("NOTIFY_ROOM")
	cfg.MsgcatDir = env("MSGCAT_DIR")

	if v := env("AUTOMATCH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AutomatchMaxRetries = n
		}
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AUTOMATCH_TICKET_TTL", &cfg.AutomatchTicketTTL},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"MOVE_TOTAL_BUDGET", &cfg.MoveTotalBudget},
		{"MOVE_ATTEMPT_TIMEOUT", &cfg.MoveAttemptTimeout},
		{"MATCH_TIMER_DURATION", &cfg.MatchTimerDuration},
	}
	for _, d := range durations {
		if v := env(d.key); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
				*d.dst = parsed
			}
		}
	}
	// per-attempt timeout never exceeds the whole window
	if cfg.MoveAttemptTimeout > cfg.MoveTotalBudget {
		cfg.MoveAttemptTimeout = cfg.MoveTotalBudget
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

func (c *AppConfig) Production() bool { return strings.EqualFold(c.AppEnv, "production") }

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

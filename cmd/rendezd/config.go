package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendezchat/rendez/internal/cmdutil"
)

// config is the enumerated runtime configuration, loaded from the
// environment with flag overrides for the common knobs.
type config struct {
	Port int

	JWTSecret     string
	EncryptionKey string

	QueueTimeout      time.Duration
	MaxQueueSize      int
	ModeSwitchTimeout time.Duration

	MaxConnectionsPerIP int
	BanDuration         time.Duration

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration

	RateMessagesPerMinute int
	RateSkipsPerMinute    int
	RateReportsPerHour    int

	MaxMessageSize   int
	MaxMessageLength int

	CleanupInterval time.Duration

	AllowedOrigins []string
	LogLevel       slog.Level
}

func envDurationMS(key string, fallback time.Duration) (time.Duration, error) {
	ms, err := cmdutil.EnvInt64(key, fallback.Milliseconds())
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func loadConfig() (config, error) {
	cfg := config{
		JWTSecret:      cmdutil.EnvString("JWT_SECRET", ""),
		EncryptionKey:  cmdutil.EnvString("ENCRYPTION_KEY", ""),
		AllowedOrigins: cmdutil.SplitCSVEnv("ALLOWED_ORIGINS"),
	}
	var err error
	if cfg.Port, err = cmdutil.EnvInt("PORT", 3000); err != nil {
		return config{}, err
	}
	if cfg.QueueTimeout, err = envDurationMS("QUEUE_TIMEOUT_MS", 5*time.Minute); err != nil {
		return config{}, err
	}
	if cfg.MaxQueueSize, err = cmdutil.EnvInt("MAX_QUEUE_SIZE", 10000); err != nil {
		return config{}, err
	}
	if cfg.ModeSwitchTimeout, err = envDurationMS("MODE_SWITCH_TIMEOUT_MS", 30*time.Second); err != nil {
		return config{}, err
	}
	if cfg.MaxConnectionsPerIP, err = cmdutil.EnvInt("MAX_CONNECTIONS_PER_IP", 20); err != nil {
		return config{}, err
	}
	if cfg.BanDuration, err = envDurationMS("BAN_DURATION_MS", 24*time.Hour); err != nil {
		return config{}, err
	}
	if cfg.HeartbeatInterval, err = envDurationMS("HEARTBEAT_INTERVAL_MS", 30*time.Second); err != nil {
		return config{}, err
	}
	if cfg.ConnectionTimeout, err = envDurationMS("CONNECTION_TIMEOUT_MS", time.Minute); err != nil {
		return config{}, err
	}
	if cfg.RateMessagesPerMinute, err = cmdutil.EnvInt("RATE_LIMIT_MESSAGES_PER_MINUTE", 30); err != nil {
		return config{}, err
	}
	if cfg.RateSkipsPerMinute, err = cmdutil.EnvInt("RATE_LIMIT_SKIPS_PER_MINUTE", 10); err != nil {
		return config{}, err
	}
	if cfg.RateReportsPerHour, err = cmdutil.EnvInt("RATE_LIMIT_REPORTS_PER_HOUR", 3); err != nil {
		return config{}, err
	}
	if cfg.MaxMessageSize, err = cmdutil.EnvInt("MAX_MESSAGE_SIZE", 10240); err != nil {
		return config{}, err
	}
	if cfg.MaxMessageLength, err = cmdutil.EnvInt("MAX_MESSAGE_LENGTH", 500); err != nil {
		return config{}, err
	}
	if cfg.CleanupInterval, err = envDurationMS("CLEANUP_INTERVAL_MS", time.Minute); err != nil {
		return config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(cmdutil.EnvString("LOG_LEVEL", "info")); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

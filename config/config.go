package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"blindscan/scanner"
)

// Config holds process-wide settings shared by the CLI and the API server.
type Config struct {
	ListenAddr string
	RedisAddr  string
	APIKey     string
	RateLimit  int64
	RateWindow time.Duration
	Workers    int
	LogLevel   string

	// Idle scan defaults; CLI flags override them per run.
	MaxGroupSize      int
	MaxSendDelay      time.Duration
	MagicPort         uint16
	InitialRTTTimeout time.Duration
}

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8080"),
		RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),
		APIKey:     os.Getenv("API_KEY"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RateLimit, err = getInt64("RATE_LIMIT", 60); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = getDuration("RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	workers, err := getInt64("WORKERS", 2)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		return nil, fmt.Errorf("WORKERS must be positive, got %d", workers)
	}
	cfg.Workers = int(workers)

	group, err := getInt64("IDLESCAN_MAX_GROUP", scanner.DefaultMaxGroupSize)
	if err != nil {
		return nil, err
	}
	if group < 2 {
		return nil, fmt.Errorf("IDLESCAN_MAX_GROUP must be at least 2, got %d", group)
	}
	cfg.MaxGroupSize = int(group)

	delayUS, err := getInt64("IDLESCAN_MAX_SEND_DELAY_US", scanner.DefaultMaxSendDelay.Microseconds())
	if err != nil {
		return nil, err
	}
	if delayUS <= 0 {
		return nil, fmt.Errorf("IDLESCAN_MAX_SEND_DELAY_US must be positive, got %d", delayUS)
	}
	cfg.MaxSendDelay = time.Duration(delayUS) * time.Microsecond

	magic, err := getInt64("IDLESCAN_MAGIC_PORT", scanner.DefaultMagicPort)
	if err != nil {
		return nil, err
	}
	if magic < 1 || magic > scanner.MaxMagicPort {
		return nil, fmt.Errorf("IDLESCAN_MAGIC_PORT must be within 1-%d, got %d", scanner.MaxMagicPort, magic)
	}
	cfg.MagicPort = uint16(magic)

	rttMS, err := getInt64("IDLESCAN_INITIAL_RTT_MS", scanner.DefaultInitialRTTTimeout.Milliseconds())
	if err != nil {
		return nil, err
	}
	if rttMS <= 0 {
		return nil, fmt.Errorf("IDLESCAN_INITIAL_RTT_MS must be positive, got %d", rttMS)
	}
	cfg.InitialRTTTimeout = time.Duration(rttMS) * time.Millisecond

	return cfg, nil
}

// ScanOptions converts the idle scan defaults into scanner options.
func (c *Config) ScanOptions() scanner.Options {
	return scanner.Options{
		MaxGroupSize:      c.MaxGroupSize,
		MaxSendDelay:      c.MaxSendDelay,
		MagicPort:         c.MagicPort,
		InitialRTTTimeout: c.InitialRTTTimeout,
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not a number: %s", key, raw)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not a duration: %s", key, raw)
	}
	return d, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/engine"
	"gopkg.in/yaml.v3"
)

const (
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration

	LogLevel  string
	LogPath   string
	LogPretty bool

	Sync SyncConfig
}

// SyncConfig tunes the sync engine. It can be overlaid from a YAML file.
type SyncConfig struct {
	Tables            []string      `yaml:"tables"`
	QueueBackend      string        `yaml:"queue_backend"`
	QueuePath         string        `yaml:"queue_path"`
	RetryCap          int           `yaml:"retry_cap"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffJitter     float64       `yaml:"backoff_jitter"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	NetworkInterval   time.Duration `yaml:"network_interval"`
}

func defaultSync() SyncConfig {
	d := engine.DefaultConfig()
	return SyncConfig{
		QueueBackend:      QueueBackendSQLite,
		QueuePath:         "ledgersync-queue.db",
		RetryCap:          d.RetryCap,
		InitialBackoff:    d.InitialBackoff,
		MaxBackoff:        d.MaxBackoff,
		BackoffMultiplier: d.BackoffMultiplier,
		BackoffJitter:     d.BackoffJitter,
		ProbeInterval:     d.ProbeInterval,
		NetworkInterval:   10 * time.Second,
	}
}

// Engine returns the engine settings this config describes.
func (s SyncConfig) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Tables = s.Tables
	cfg.RetryCap = s.RetryCap
	cfg.InitialBackoff = s.InitialBackoff
	cfg.MaxBackoff = s.MaxBackoff
	cfg.BackoffMultiplier = s.BackoffMultiplier
	cfg.BackoffJitter = s.BackoffJitter
	cfg.ProbeInterval = s.ProbeInterval
	return cfg
}

func LoadConfig() (*Config, error) {
	expiryStr := getEnv("JWT_EXPIRY", "24h")
	expiry, err := time.ParseDuration(expiryStr)
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}

	pretty, err := strconv.ParseBool(getEnv("LOG_PRETTY", "false"))
	if err != nil {
		return nil, errors.New("invalid LOG_PRETTY value")
	}

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTExpiry:   expiry,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPath:     os.Getenv("LOG_PATH"),
		LogPretty:   pretty,
		Sync:        defaultSync(),
	}

	if path := os.Getenv("LEDGERSYNC_CONFIG"); path != "" {
		if err := cfg.Sync.overlay(path); err != nil {
			return nil, err
		}
	}
	if tables := os.Getenv("SYNC_TABLES"); tables != "" {
		cfg.Sync.Tables = splitList(tables)
	}
	cfg.Sync.QueueBackend = getEnv("QUEUE_BACKEND", cfg.Sync.QueueBackend)
	cfg.Sync.QueuePath = getEnv("QUEUE_PATH", cfg.Sync.QueuePath)

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if err := cfg.Sync.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// overlay replaces the settings present in the YAML file at path.
func (s *SyncConfig) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (s SyncConfig) validate() error {
	switch s.QueueBackend {
	case QueueBackendSQLite:
		if s.QueuePath == "" {
			return errors.New("queue_path is required for the sqlite queue backend")
		}
	case QueueBackendRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", s.QueueBackend)
	}
	if s.RetryCap <= 0 {
		return errors.New("retry_cap must be positive")
	}
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		return errors.New("backoff bounds must satisfy 0 < initial_backoff <= max_backoff")
	}
	if s.BackoffJitter < 0 || s.BackoffJitter > 1 {
		return errors.New("backoff_jitter must be within [0, 1]")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

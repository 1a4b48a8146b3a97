package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendFile = "file"
	BackendKV   = "kv"
	BackendSQL  = "sql"
)

// DefaultStateKey is the well-known key of the shared document.
const DefaultStateKey = "parking_app_state_v1"

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Lock       LockConfig       `yaml:"lock"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
}

// StoreConfig selects and parameterises the backing store of the shared document.
type StoreConfig struct {
	Backend         string        `yaml:"backend"`
	Key             string        `yaml:"key"`
	FilePath        string        `yaml:"file_path"`
	KVURL           string        `yaml:"kv_url"`
	KVToken         string        `yaml:"kv_token"`
	TimeoutSeconds  int           `yaml:"timeout_seconds"`
	Timeout         time.Duration `yaml:"-"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	CacheTTL        time.Duration `yaml:"-"`
}

// LockConfig holds the edit lock settings.
type LockConfig struct {
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// BroadcastConfig holds the push channel settings.
type BroadcastConfig struct {
	BufferSize       int           `yaml:"buffer_size"`
	HeartbeatSeconds int           `yaml:"heartbeat_seconds"`
	Heartbeat        time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// PushConfig holds the VAPID keys for spot availability alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether web push alerts are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel parses Level, falling back to info for unknown values.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads the configuration from the given path. A missing file is not an
// error: defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		// An empty file decodes to io.EOF and means "all defaults".
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("config file %s not found; using defaults", path)
	default:
		return nil, err
	}

	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 2 << 20
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendFile
	}
	if cfg.Store.Key == "" {
		cfg.Store.Key = DefaultStateKey
	}
	if cfg.Store.FilePath == "" {
		cfg.Store.FilePath = "./state.json"
	}
	if cfg.Store.TimeoutSeconds <= 0 {
		cfg.Store.TimeoutSeconds = 10
	}
	cfg.Store.Timeout = time.Duration(cfg.Store.TimeoutSeconds) * time.Second
	if cfg.Store.CacheTTLSeconds > 0 {
		cfg.Store.CacheTTL = time.Duration(cfg.Store.CacheTTLSeconds) * time.Second
	}

	if cfg.Lock.TimeoutSeconds <= 0 {
		cfg.Lock.TimeoutSeconds = 30
	}
	cfg.Lock.Timeout = time.Duration(cfg.Lock.TimeoutSeconds) * time.Second

	if cfg.Broadcast.BufferSize <= 0 {
		cfg.Broadcast.BufferSize = 16
	}
	if cfg.Broadcast.HeartbeatSeconds <= 0 {
		cfg.Broadcast.HeartbeatSeconds = 15
	}
	cfg.Broadcast.Heartbeat = time.Duration(cfg.Broadcast.HeartbeatSeconds) * time.Second

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "sqlite:./parking.db"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv overlays deployment environment variables on top of the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			log.Printf("ignoring invalid PORT %q", v)
		}
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("STORE_BACKEND"); ok {
		cfg.Store.Backend = v
	}
	if v, ok := lookup("STATE_FILE"); ok {
		cfg.Store.FilePath = v
	}
	if v, ok := lookup("UPSTASH_REDIS_REST_URL"); ok {
		cfg.Store.KVURL = v
	}
	if v, ok := lookup("UPSTASH_REDIS_REST_TOKEN"); ok {
		cfg.Store.KVToken = v
	}
	if v, ok := lookup("DATABASE_DSN"); ok {
		cfg.Database.DSN = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the selected store backend has what it needs.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.FilePath == "" {
			return errors.New("store.file_path is required for the file backend")
		}
	case BackendKV:
		if c.Store.KVURL == "" || c.Store.KVToken == "" {
			return errors.New("store.kv_url and store.kv_token are required for the kv backend")
		}
	case BackendSQL:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the sql backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

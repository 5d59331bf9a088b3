package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath  = "config.toml"
	DefaultHTTPAddr    = ":8080"
	DefaultJWTExpires  = "24h"
	DefaultPGHost      = "127.0.0.1"
	DefaultPGPort      = 5432
	DefaultPGUser      = "postgres"
	DefaultPGDatabase  = "coachly"
	DefaultPGSSLMode   = "disable"
	DefaultSQLitePath  = "data/coachly.sqlite"
	DefaultCleanupSpec = "@every 1h"

	StorageBackendPostgres = "postgres"
	StorageBackendSQLite   = "sqlite"
	StorageBackendMemory   = "memory"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Storage   StorageConfig   `toml:"storage"`
	Batch     BatchConfig     `toml:"batch"`
	Live      LiveConfig      `toml:"live"`
	Ingest    IngestConfig    `toml:"ingest"`
	Broadcast BroadcastConfig `toml:"broadcast"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret     string `toml:"jwt_secret"`
	JWTExpiresIn  string `toml:"jwt_expires_in"`
	WebhookSecret string `toml:"webhook_secret"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN returns a libpq-style connection URL.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type StorageConfig struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// BatchConfig tunes the transcript flush engine.
type BatchConfig struct {
	FlushDebounce    time.Duration `toml:"flush_debounce"`
	SweepInterval    time.Duration `toml:"sweep_interval"`
	MaxPending       int           `toml:"max_pending"`
	FlushTimeout     time.Duration `toml:"flush_timeout"`
	ForceSaveTimeout time.Duration `toml:"force_save_timeout"`
}

type LiveConfig struct {
	IdleTimeout time.Duration `toml:"idle_timeout"`
	CleanupSpec string        `toml:"cleanup_spec"`
}

type IngestConfig struct {
	QueueSize     int           `toml:"queue_size"`
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	EnsureTimeout time.Duration `toml:"ensure_timeout"`
}

type BroadcastConfig struct {
	SendBuffer      int           `toml:"send_buffer"`
	PingInterval    time.Duration `toml:"ping_interval"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	MaxMessageBytes int64         `toml:"max_message_bytes"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpires,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Storage: StorageConfig{
			Backend:    StorageBackendPostgres,
			SQLitePath: DefaultSQLitePath,
		},
		Batch: BatchConfig{
			FlushDebounce:    3 * time.Second,
			SweepInterval:    30 * time.Second,
			MaxPending:       50,
			FlushTimeout:     15 * time.Second,
			ForceSaveTimeout: 10 * time.Second,
		},
		Live: LiveConfig{
			IdleTimeout: 24 * time.Hour,
			CleanupSpec: DefaultCleanupSpec,
		},
		Ingest: IngestConfig{
			QueueSize:     256,
			IdleTimeout:   time.Minute,
			EnsureTimeout: 5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			SendBuffer:      256,
			PingInterval:    25 * time.Second,
			WriteTimeout:    5 * time.Second,
			MaxMessageBytes: 64 * 1024,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	switch cfg.Storage.Backend {
	case StorageBackendPostgres, StorageBackendSQLite, StorageBackendMemory:
	default:
		return cfg, fmt.Errorf("unsupported storage backend: %q", cfg.Storage.Backend)
	}

	return cfg, nil
}

// Package config loads qdbd's configuration from environment variables:
// DefaultConfig, overridden field-by-field by whatever QDB_* variables
// are present, then Validate before startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every setting qdbd needs to start serving.
type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	Store  StoreConfig
	Log    LogConfig
}

// ServerConfig controls the TCP listener and the optional metrics
// endpoint (empty MetricsAddress disables it).
type ServerConfig struct {
	ListenAddress   string
	MetricsAddress  string
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
}

// AuthConfig holds the authenticator's settings. Enabled only decides
// whether Validate requires TokenSecret; the wire server requires AUTH
// on every connection whatever its value.
type AuthConfig struct {
	Enabled         bool
	TokenSecret     string
	TokenExpiry     time.Duration
	InitialUsername string
	InitialPassword string
}

// StoreConfig controls snapshot persistence.
type StoreConfig struct {
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// LogConfig controls the ambient logger.
type LogConfig struct {
	Level string // debug|info|warn|error
	JSON  bool
}

// DefaultConfig returns sane values for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddress:   ":6380",
			MaxConnections:  1000,
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
		},
		Auth: AuthConfig{
			Enabled:     true,
			TokenExpiry: 0,
		},
		Store: StoreConfig{
			SnapshotInterval: 5 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadFromEnv reads QDB_* environment variables over DefaultConfig().
func LoadFromEnv() Config {
	c := DefaultConfig()

	if v, ok := os.LookupEnv("QDB_LISTEN_ADDRESS"); ok {
		c.Server.ListenAddress = v
	}
	if v, ok := os.LookupEnv("QDB_METRICS_ADDRESS"); ok {
		c.Server.MetricsAddress = v
	}
	if v, ok := envInt("QDB_MAX_CONNECTIONS"); ok {
		c.Server.MaxConnections = v
	}
	if v, ok := envInt("QDB_READ_BUFFER_SIZE"); ok {
		c.Server.ReadBufferSize = v
	}
	if v, ok := envInt("QDB_WRITE_BUFFER_SIZE"); ok {
		c.Server.WriteBufferSize = v
	}

	if v, ok := envBool("QDB_AUTH_ENABLED"); ok {
		c.Auth.Enabled = v
	}
	if v, ok := os.LookupEnv("QDB_AUTH_TOKEN_SECRET"); ok {
		c.Auth.TokenSecret = v
	}
	if v, ok := envDuration("QDB_AUTH_TOKEN_EXPIRY"); ok {
		c.Auth.TokenExpiry = v
	}
	if v, ok := os.LookupEnv("QDB_AUTH_INITIAL_USERNAME"); ok {
		c.Auth.InitialUsername = v
	}
	if v, ok := os.LookupEnv("QDB_AUTH_INITIAL_PASSWORD"); ok {
		c.Auth.InitialPassword = v
	}

	if v, ok := os.LookupEnv("QDB_SNAPSHOT_PATH"); ok {
		c.Store.SnapshotPath = v
	}
	if v, ok := envDuration("QDB_SNAPSHOT_INTERVAL"); ok {
		c.Store.SnapshotInterval = v
	}

	if v, ok := os.LookupEnv("QDB_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := envBool("QDB_LOG_JSON"); ok {
		c.Log.JSON = v
	}

	return c
}

// Validate checks the config for the kind of mistakes that should abort
// startup rather than fail confusingly later.
func (c Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("config: server listen address must not be empty")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: max connections must be positive")
	}
	if c.Auth.Enabled && c.Auth.TokenSecret == "" {
		return fmt.Errorf("config: auth enabled but QDB_AUTH_TOKEN_SECRET is unset")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

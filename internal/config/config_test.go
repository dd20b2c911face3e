package config

import (
	"testing"
	"time"
)

func TestDefaultConfigRequiresAuthSecret(t *testing.T) {
	c := DefaultConfig()
	// Auth is enabled by default, so a missing secret must be caught.
	if err := c.Validate(); err == nil {
		t.Errorf("default config with auth enabled and no secret validated")
	}
	c.Auth.TokenSecret = "s"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("QDB_LISTEN_ADDRESS", "127.0.0.1:7000")
	t.Setenv("QDB_METRICS_ADDRESS", "127.0.0.1:9100")
	t.Setenv("QDB_MAX_CONNECTIONS", "5")
	t.Setenv("QDB_AUTH_ENABLED", "false")
	t.Setenv("QDB_AUTH_TOKEN_EXPIRY", "30m")
	t.Setenv("QDB_SNAPSHOT_PATH", "/tmp/qdb.snap")
	t.Setenv("QDB_LOG_LEVEL", "debug")
	t.Setenv("QDB_LOG_JSON", "true")

	c := LoadFromEnv()
	if c.Server.ListenAddress != "127.0.0.1:7000" {
		t.Errorf("ListenAddress = %q", c.Server.ListenAddress)
	}
	if c.Server.MetricsAddress != "127.0.0.1:9100" {
		t.Errorf("MetricsAddress = %q", c.Server.MetricsAddress)
	}
	if c.Server.MaxConnections != 5 {
		t.Errorf("MaxConnections = %d", c.Server.MaxConnections)
	}
	if c.Auth.Enabled {
		t.Errorf("Auth.Enabled = true, want false")
	}
	if c.Auth.TokenExpiry != 30*time.Minute {
		t.Errorf("TokenExpiry = %v", c.Auth.TokenExpiry)
	}
	if c.Store.SnapshotPath != "/tmp/qdb.snap" {
		t.Errorf("SnapshotPath = %q", c.Store.SnapshotPath)
	}
	if c.Log.Level != "debug" || !c.Log.JSON {
		t.Errorf("Log = %+v", c.Log)
	}
}

func TestLoadFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("QDB_MAX_CONNECTIONS", "lots")
	t.Setenv("QDB_AUTH_ENABLED", "affirmative")
	t.Setenv("QDB_SNAPSHOT_INTERVAL", "soonish")

	c := LoadFromEnv()
	d := DefaultConfig()
	if c.Server.MaxConnections != d.Server.MaxConnections {
		t.Errorf("malformed int overrode the default")
	}
	if c.Auth.Enabled != d.Auth.Enabled {
		t.Errorf("malformed bool overrode the default")
	}
	if c.Store.SnapshotInterval != d.Store.SnapshotInterval {
		t.Errorf("malformed duration overrode the default")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }},
		{"non-positive max connections", func(c *Config) { c.Server.MaxConnections = 0 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.Auth.TokenSecret = "s"
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() accepted a broken config")
			}
		})
	}
}

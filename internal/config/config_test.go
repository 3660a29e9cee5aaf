package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/drivesync/internal/pathindex"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
driver: memory
driver_options:
  fixture: /tmp/fixture.yaml
  page_size: "50"
store:
  engine: postgres
  database_url: postgres://localhost/drivesync
sync:
  collision_policy: keep-existing
  retry:
    max_attempts: 5
    initial_wait: 250ms
transfer:
  concurrency: 8
  sink: s3
  s3:
    bucket: backups
    path_style: true
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DriverOptions["page_size"] != "50" || cfg.Store.Engine != "postgres" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Policy() != pathindex.KeepExisting {
		t.Errorf("Policy = %v", cfg.Policy())
	}
	r := cfg.Sync.Retry.Retry()
	if r.MaxAttempts != 5 || r.InitialWait != 250*time.Millisecond {
		t.Errorf("retry = %+v", r)
	}
	if r.MaxWait == 0 || r.Multiplier == 0 {
		t.Errorf("unset retry fields lost their defaults: %+v", r)
	}
	if cfg.Transfer.Concurrency != 8 || !cfg.Transfer.S3.PathStyle || cfg.Log.Format != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv("DRIVESYNC_LOG_LEVEL", "debug")
	t.Setenv("DRIVESYNC_STORE_PATH", "/var/lib/drivesync/nodes.db")
	t.Setenv("DRIVESYNC_TRANSFER_CONCURRENCY", "2")
	t.Setenv("DRIVESYNC_RETRY_INITIAL_WAIT", "1s")
	t.Setenv("DRIVESYNC_S3_PATH_STYLE", "not-a-bool")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Store.Path != "/var/lib/drivesync/nodes.db" || cfg.Transfer.Concurrency != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sync.Retry.InitialWait != time.Second {
		t.Errorf("initial wait = %v", cfg.Sync.Retry.InitialWait)
	}
	if cfg.Transfer.S3.PathStyle {
		t.Error("invalid bool should keep the fallback")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("explicit missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no driver", func(c *Config) { c.Driver = "" }, "driver"},
		{"bad engine", func(c *Config) { c.Store.Engine = "mysql" }, "store engine"},
		{"postgres without url", func(c *Config) { c.Store.Engine = "postgres" }, "database_url"},
		{"bad policy", func(c *Config) { c.Sync.CollisionPolicy = "coin-flip" }, "policy"},
		{"zero concurrency", func(c *Config) { c.Transfer.Concurrency = 0 }, "concurrency"},
		{"s3 without bucket", func(c *Config) { c.Transfer.Sink = "s3" }, "bucket"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileWithDefaults(t *testing.T) {
	path := writeConfig(t, "infovore-sync.yaml", `
inoreader:
  email: me@example.com
  password: secret
  max_pages: 3
outbound:
  workers: 2
  breaker_cooldown: 90s
subscriptions:
  allow_empty_remote: true
`)
	cfg, v, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if v == nil {
		t.Fatal("nil viper")
	}
	if cfg.Inoreader.Email != "me@example.com" || cfg.Inoreader.MaxPages != 3 {
		t.Errorf("inoreader = %+v", cfg.Inoreader)
	}
	if cfg.Outbound.Workers != 2 || cfg.Outbound.BreakerCooldown != 90*time.Second {
		t.Errorf("outbound = %+v", cfg.Outbound)
	}
	if cfg.Outbound.QueueSize != 256 || cfg.Outbound.CallTimeout != 15*time.Second {
		t.Errorf("defaults not applied: %+v", cfg.Outbound)
	}
	if !cfg.Subscriptions.SyncOnStart || !cfg.Subscriptions.AllowEmptyRemote {
		t.Errorf("subscriptions = %+v", cfg.Subscriptions)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Server.Addr != ":8080" {
		t.Errorf("database = %+v server = %+v", cfg.Database, cfg.Server)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "infovore-sync.toml", `
[inoreader]
email = "file@example.com"
password = "secret"
`)
	t.Setenv("INFOVORE_INOREADER_EMAIL", "env@example.com")
	t.Setenv("INFOVORE_OUTBOUND_WORKERS", "7")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Inoreader.Email != "env@example.com" || cfg.Outbound.Workers != 7 {
		t.Errorf("cfg = %+v %+v", cfg.Inoreader, cfg.Outbound)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database:  DatabaseConfig{Driver: "sqlite", Path: "x.db"},
			Inoreader: InoreaderConfig{Email: "a", Password: "b"},
			Outbound:  OutboundConfig{Workers: 1, QueueSize: 1, MaxAttempts: 1},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing credentials", func(c *Config) { c.Inoreader.Password = "" }, "password"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "mysql"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn"},
		{"no workers", func(c *Config) { c.Outbound.Workers = 0 }, "workers"},
		{"no queue", func(c *Config) { c.Outbound.QueueSize = -1 }, "queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

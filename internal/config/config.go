// Package config loads daemon settings from a file and INFOVORE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Inoreader     InoreaderConfig     `mapstructure:"inoreader"`
	Outbound      OutboundConfig      `mapstructure:"outbound"`
	Subscriptions SubscriptionsConfig `mapstructure:"subscriptions"`
	Poller        PollerConfig        `mapstructure:"poller"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type InoreaderConfig struct {
	Email       string        `mapstructure:"email"`
	Password    string        `mapstructure:"password"`
	AppID       string        `mapstructure:"app_id"`
	AppKey      string        `mapstructure:"app_key"`
	BaseURL     string        `mapstructure:"base_url"`
	LoginURL    string        `mapstructure:"login_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RequestGap  time.Duration `mapstructure:"request_gap"`
	Concurrency int           `mapstructure:"concurrency"`
	FetchLimit  int           `mapstructure:"fetch_limit"`
	MaxPages    int           `mapstructure:"max_pages"`
}

type OutboundConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type SubscriptionsConfig struct {
	SyncOnStart      bool `mapstructure:"sync_on_start"`
	AllowEmptyRemote bool `mapstructure:"allow_empty_remote"`
}

type PollerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// New returns a viper instance with every default set. path may be empty, in
// which case an infovore-sync.{yaml,toml,json} is looked up in the working
// directory and the user config directory.
func New(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("INFOVORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("infovore-sync")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "infovore-sync"))
		}
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "infovore.db")
	v.SetDefault("database.dsn", "")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("inoreader.email", "")
	v.SetDefault("inoreader.password", "")
	v.SetDefault("inoreader.app_id", "")
	v.SetDefault("inoreader.app_key", "")
	v.SetDefault("inoreader.base_url", "https://www.inoreader.com/reader/")
	v.SetDefault("inoreader.login_url", "https://www.inoreader.com/accounts/ClientLogin")
	v.SetDefault("inoreader.timeout", "30s")
	v.SetDefault("inoreader.request_gap", "200ms")
	v.SetDefault("inoreader.concurrency", 2)
	v.SetDefault("inoreader.fetch_limit", 1000)
	v.SetDefault("inoreader.max_pages", 1)

	v.SetDefault("outbound.workers", 4)
	v.SetDefault("outbound.queue_size", 256)
	v.SetDefault("outbound.call_timeout", "15s")
	v.SetDefault("outbound.max_attempts", 4)
	v.SetDefault("outbound.base_backoff", "500ms")
	v.SetDefault("outbound.max_backoff", "30s")
	v.SetDefault("outbound.breaker_threshold", 5)
	v.SetDefault("outbound.breaker_cooldown", "1m")

	v.SetDefault("subscriptions.sync_on_start", true)
	v.SetDefault("subscriptions.allow_empty_remote", false)

	v.SetDefault("poller.interval_minutes", 0)
	return v
}

// Load reads the config file, if any, and returns the validated settings
// along with the viper instance for change notification.
func Load(path string) (Config, *viper.Viper, error) {
	v := New(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("config: database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("config: database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Inoreader.Email == "" || c.Inoreader.Password == "" {
		return errors.New("config: inoreader.email and inoreader.password are required")
	}
	if c.Outbound.Workers < 1 {
		return fmt.Errorf("config: outbound.workers must be positive, got %d", c.Outbound.Workers)
	}
	if c.Outbound.QueueSize < 1 {
		return fmt.Errorf("config: outbound.queue_size must be positive, got %d", c.Outbound.QueueSize)
	}
	if c.Outbound.MaxAttempts < 1 {
		return fmt.Errorf("config: outbound.max_attempts must be positive, got %d", c.Outbound.MaxAttempts)
	}
	return nil
}

// Package config loads service settings from an optional YAML file, a .env file
// and QUOTAGATE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Dzaakk/quotagate/internal/keys"
)

const envPrefix = "QUOTAGATE_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Keys      KeysConfig      `yaml:"keys"`
	Audit     AuditConfig     `yaml:"audit"`
	Events    EventsConfig    `yaml:"events"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

type StorageConfig struct {
	// Type selects the counter store: memory, redis or sqlite.
	Type string `yaml:"type"`
	// Timeout bounds the store round trips of one admission.
	Timeout time.Duration `yaml:"timeout"`
	Redis   RedisConfig   `yaml:"redis"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type KeysConfig struct {
	// Source selects the key directory: sqlite, file or memory.
	Source string `yaml:"source"`
	// File is the YAML key file used when Source is file.
	File string `yaml:"file"`
	// Seed creates Seeds when the directory starts out empty.
	Seed  bool            `yaml:"seed"`
	Seeds []keys.SeedSpec `yaml:"seeds"`
}

type AuditConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Buffer       int           `yaml:"buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer"`
	// Relay shares usage events between instances over Redis pub/sub.
	Relay          bool     `yaml:"relay"`
	Channel        string   `yaml:"channel"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RetentionConfig struct {
	// Schedule is a cron expression; empty disables the sweep.
	Schedule    string        `yaml:"schedule"`
	AuditMaxAge time.Duration `yaml:"audit_max_age"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":4000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Type:    "memory",
			Timeout: 2 * time.Second,
			Redis:   RedisConfig{Addr: "localhost:6379"},
			SQLite:  SQLiteConfig{Path: "quotagate.db", BusyTimeout: 5 * time.Second},
		},
		Keys: KeysConfig{
			Source: "memory",
			Seed:   true,
			Seeds:  append([]keys.SeedSpec(nil), keys.DefaultSeeds...),
		},
		Audit: AuditConfig{
			Enabled:      true,
			Buffer:       1000,
			WriteTimeout: 5 * time.Second,
		},
		Events: EventsConfig{Buffer: 64},
		Retention: RetentionConfig{
			Schedule:    "*/5 * * * *",
			AuditMaxAge: 30 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration. A missing file at path leaves the defaults in place.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Storage.Type, "STORAGE")
	setString(&c.Storage.Redis.Addr, "REDIS_ADDR")
	setString(&c.Storage.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Storage.SQLite.Path, "SQLITE_PATH")
	setString(&c.Keys.Source, "KEYS_SOURCE")
	setString(&c.Keys.File, "KEYS_FILE")
	setString(&c.Events.Channel, "EVENTS_CHANNEL")
	setString(&c.Retention.Schedule, "RETENTION_SCHEDULE")

	if err := setInt(&c.Storage.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setDuration(&c.Storage.Timeout, "STORAGE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Retention.AuditMaxAge, "AUDIT_MAX_AGE"); err != nil {
		return err
	}
	if err := setBool(&c.Keys.Seed, "KEYS_SEED"); err != nil {
		return err
	}
	if err := setBool(&c.Audit.Enabled, "AUDIT_ENABLED"); err != nil {
		return err
	}
	if err := setBool(&c.Events.Relay, "EVENTS_RELAY"); err != nil {
		return err
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		c.Events.AllowedOrigins = splitList(v)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Storage.Type {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for redis storage"))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for sqlite storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %s", c.Storage.Type))
	}
	if c.Storage.Timeout <= 0 {
		errs = append(errs, errors.New("storage.timeout must be positive"))
	}

	switch c.Keys.Source {
	case "memory":
	case "file":
		if c.Keys.File == "" {
			errs = append(errs, errors.New("keys.file is required for the file key source"))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for the sqlite key source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported key source: %s", c.Keys.Source))
	}
	for _, s := range c.Keys.Seeds {
		if s.PerMinute < 1 || s.PerDay < 1 {
			errs = append(errs, fmt.Errorf("seed %q: limits must be at least 1", s.Name))
		}
	}

	if c.Events.Relay && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("events.relay requires storage.redis.addr"))
	}

	return errors.Join(errs...)
}

// UsesSQLite reports whether any component needs the SQLite database.
func (c Config) UsesSQLite() bool {
	return c.Storage.Type == "sqlite" || c.Keys.Source == "sqlite"
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func setString(dst *string, name string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

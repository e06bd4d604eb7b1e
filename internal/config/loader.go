package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BIOSYNC_"

// Loader reads configuration from a file and the environment.
type Loader struct {
	dotEnv []string
	lookup func(string) (string, bool)
}

// NewLoader returns a loader reading the process environment. A .env file
// in the working directory is loaded if present.
func NewLoader() *Loader {
	return &Loader{
		dotEnv: []string{".env"},
		lookup: os.LookupEnv,
	}
}

// WithDotEnv sets the .env files loaded before reading the environment.
// No arguments disables .env loading.
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotEnv = paths
	return l
}

// WithLookup replaces the environment lookup (useful for tests).
func (l *Loader) WithLookup(fn func(string) (string, bool)) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and environment overrides, then validates it.
func (l *Loader) Load(path string) (Config, error) {
	cfg, err := l.Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation. Inspection commands use it to open
// local state on a device that is not fully configured.
func (l *Loader) Read(path string) (Config, error) {
	for _, p := range l.dotEnv {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", p, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping the values of keys it does not
// mention. Unknown keys are an error.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"DEVICE_ID", str(func(c *Config) *string { return &c.Device.ID })},
	{"DEVICE_LOCATION", str(func(c *Config) *string { return &c.Device.Location })},
	{"AUTHORITY_URL", str(func(c *Config) *string { return &c.Authority.BaseURL })},
	{"AUTHORITY_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Authority.RequestTimeout })},
	{"AUTHORITY_TOKEN_SECRET", str(func(c *Config) *string { return &c.Authority.TokenSecret })},
	{"TRANSPORT_KIND", str(func(c *Config) *string { return &c.Transport.Kind })},
	{"MQTT_BROKER", str(func(c *Config) *string { return &c.Transport.MQTT.Broker })},
	{"MQTT_CLIENT_ID", str(func(c *Config) *string { return &c.Transport.MQTT.ClientID })},
	{"MQTT_USERNAME", str(func(c *Config) *string { return &c.Transport.MQTT.Username })},
	{"MQTT_PASSWORD", str(func(c *Config) *string { return &c.Transport.MQTT.Password })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Transport.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Transport.Redis.Password })},
	{"STORE_KIND", str(func(c *Config) *string { return &c.Store.Kind })},
	{"STORE_PATH", str(func(c *Config) *string { return &c.Store.Path })},
	{"STORE_REDIS_ADDR", str(func(c *Config) *string { return &c.Store.Redis.Addr })},
	{"SENSOR_KIND", str(func(c *Config) *string { return &c.Sensor.Kind })},
	{"SENSOR_SCRIPT", str(func(c *Config) *string { return &c.Sensor.Script })},
	{"SENSOR_CAPACITY", integer(func(c *Config) *int { return &c.Sensor.Capacity })},
	{"QUEUE_CAPACITY", integer(func(c *Config) *int { return &c.Queue.Capacity })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
}

func (l *Loader) applyEnv(cfg *Config) error {
	for _, ev := range envVars {
		v, ok := l.lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err)
		}
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}

// Package config loads device configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// BIOSYNC_* environment variables (optionally read from a .env file).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DEOS-Org/biosync/internal/authority"
	"github.com/DEOS-Org/biosync/internal/device"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/queue"
	"github.com/DEOS-Org/biosync/internal/transport"
)

// Config is the full device configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Authority AuthorityConfig `yaml:"authority"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Queue     QueueConfig     `yaml:"queue"`
	Loop      LoopConfig      `yaml:"loop"`
	Log       LogConfig       `yaml:"log"`
}

type DeviceConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Location        string `yaml:"location"`
	FirmwareVersion string `yaml:"firmware_version"`
}

type AuthorityConfig struct {
	BaseURL        string        `yaml:"base_url"`
	SyncPath       string        `yaml:"sync_path"`
	EventsPath     string        `yaml:"events_path"`
	HealthPath     string        `yaml:"health_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// TokenSecret enables HS256 bearer tokens when set.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type TransportConfig struct {
	Kind   string      `yaml:"kind"`
	MQTT   MQTTConfig  `yaml:"mqtt"`
	Redis  RedisConfig `yaml:"redis"`
	Topics TopicConfig `yaml:"topics"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type TopicConfig struct {
	Commands string `yaml:"commands"`
	Status   string `yaml:"status"`
	Events   string `yaml:"events"`
}

type StoreConfig struct {
	Kind  string      `yaml:"kind"`
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// Sensor kinds.
const (
	SensorIdle     = "idle"
	SensorScripted = "scripted"
)

type SensorConfig struct {
	Kind     string `yaml:"kind"`
	Script   string `yaml:"script"`
	Capacity int    `yaml:"capacity"`
}

type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"max_attempts"`
	PassBudget  time.Duration `yaml:"pass_budget"`
}

type LoopConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	ConnectivityInterval time.Duration `yaml:"connectivity_interval"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	DrainInterval        time.Duration `yaml:"drain_interval"`
	EnrollTimeout        time.Duration `yaml:"enroll_timeout"`
	InboxSize            int           `yaml:"inbox_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	topics := transport.DefaultTopics()
	return Config{
		Device: DeviceConfig{
			FirmwareVersion: "2.0.0",
		},
		Authority: AuthorityConfig{
			SyncPath:       authority.DefaultSyncPath,
			EventsPath:     authority.DefaultEventsPath,
			HealthPath:     authority.DefaultHealthPath,
			RequestTimeout: 10 * time.Second,
			TokenTTL:       time.Hour,
		},
		Transport: TransportConfig{
			Kind: transport.KindMQTT,
			MQTT: MQTTConfig{
				QoS:            1,
				ConnectTimeout: 10 * time.Second,
			},
			Topics: TopicConfig{
				Commands: topics.Commands,
				Status:   topics.Status,
				Events:   topics.Events,
			},
		},
		Store: StoreConfig{
			Kind: kvstore.DriverSQLite,
			Path: "biosync.db",
		},
		Sensor: SensorConfig{
			Kind:     SensorIdle,
			Capacity: 127,
		},
		Queue: QueueConfig{
			Capacity:    queue.DefaultCapacity,
			MaxAttempts: queue.DefaultMaxAttempts,
		},
		Loop: LoopConfig{
			PollInterval:         device.DefaultPollInterval,
			ConnectivityInterval: device.DefaultConnectivityInterval,
			HeartbeatInterval:    device.DefaultHeartbeatInterval,
			DrainInterval:        device.DefaultDrainInterval,
			EnrollTimeout:        device.DefaultEnrollTimeout,
			InboxSize:            device.DefaultInboxSize,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks that the configuration can start a device.
// All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Device.ID) == "" {
		errs = append(errs, errors.New("device.id is required"))
	}
	if c.Authority.BaseURL == "" {
		errs = append(errs, errors.New("authority.base_url is required"))
	}
	if c.Authority.RequestTimeout <= 0 {
		errs = append(errs, errors.New("authority.request_timeout must be positive"))
	}

	switch c.Transport.Kind {
	case transport.KindMQTT:
		if c.Transport.MQTT.Broker == "" {
			errs = append(errs, errors.New("transport.mqtt.broker is required for mqtt"))
		}
		if q := c.Transport.MQTT.QoS; q < 0 || q > 2 {
			errs = append(errs, fmt.Errorf("transport.mqtt.qos must be 0, 1 or 2, got %d", q))
		}
	case transport.KindRedis:
		if c.Transport.Redis.Addr == "" {
			errs = append(errs, errors.New("transport.redis.addr is required for redis"))
		}
	case transport.KindMemory:
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not one of mqtt, redis, memory", c.Transport.Kind))
	}
	t := c.Transport.Topics
	if t.Commands == "" || t.Status == "" || t.Events == "" {
		errs = append(errs, errors.New("transport.topics must name commands, status and events"))
	}

	switch c.Store.Kind {
	case kvstore.DriverSQLite, kvstore.DriverFile:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s", c.Store.Kind))
		}
	case kvstore.DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for redis"))
		}
	case kvstore.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.kind %q is not one of sqlite, file, redis, memory", c.Store.Kind))
	}

	switch c.Sensor.Kind {
	case SensorIdle:
	case SensorScripted:
		if c.Sensor.Script == "" {
			errs = append(errs, errors.New("sensor.script is required for scripted"))
		}
	default:
		errs = append(errs, fmt.Errorf("sensor.kind %q is not one of idle, scripted", c.Sensor.Kind))
	}
	if c.Sensor.Capacity <= 0 {
		errs = append(errs, errors.New("sensor.capacity must be positive"))
	}

	if c.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("queue.capacity must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}

	l := c.Loop
	for name, d := range map[string]time.Duration{
		"loop.poll_interval":         l.PollInterval,
		"loop.connectivity_interval": l.ConnectivityInterval,
		"loop.heartbeat_interval":    l.HeartbeatInterval,
		"loop.drain_interval":        l.DrainInterval,
		"loop.enroll_timeout":        l.EnrollTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if l.InboxSize <= 0 {
		errs = append(errs, errors.New("loop.inbox_size must be positive"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// KVStore returns the kvstore configuration.
func (c Config) KVStore() kvstore.Config {
	return kvstore.Config{
		Driver: c.Store.Kind,
		Path:   c.Store.Path,
		Redis: kvstore.RedisConfig{
			Addr:     c.Store.Redis.Addr,
			Username: c.Store.Redis.Username,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
			Prefix:   c.Store.Redis.Prefix,
		},
	}
}

// TransportOptions returns the transport configuration. An empty MQTT
// client id defaults to the device id.
func (c Config) TransportOptions() transport.Config {
	clientID := c.Transport.MQTT.ClientID
	if clientID == "" {
		clientID = c.Device.ID
	}
	return transport.Config{
		Kind: c.Transport.Kind,
		MQTT: transport.MQTTConfig{
			Broker:         c.Transport.MQTT.Broker,
			ClientID:       clientID,
			Username:       c.Transport.MQTT.Username,
			Password:       c.Transport.MQTT.Password,
			QoS:            byte(c.Transport.MQTT.QoS),
			ConnectTimeout: c.Transport.MQTT.ConnectTimeout,
		},
		Redis: transport.RedisConfig{
			Addr:     c.Transport.Redis.Addr,
			Username: c.Transport.Redis.Username,
			Password: c.Transport.Redis.Password,
			DB:       c.Transport.Redis.DB,
		},
	}
}

// Topics returns the configured topic names.
func (c Config) Topics() transport.Topics {
	return transport.Topics{
		Commands: c.Transport.Topics.Commands,
		Status:   c.Transport.Topics.Status,
		Events:   c.Transport.Topics.Events,
	}
}

// AuthorityClient returns the authority client configuration.
func (c Config) AuthorityClient() authority.Config {
	return authority.Config{
		BaseURL:    strings.TrimRight(c.Authority.BaseURL, "/"),
		DeviceID:   c.Device.ID,
		SyncPath:   c.Authority.SyncPath,
		EventsPath: c.Authority.EventsPath,
		HealthPath: c.Authority.HealthPath,
		Timeout:    c.Authority.RequestTimeout,
	}
}

// DeviceSettings returns the loop settings.
func (c Config) DeviceSettings() device.Settings {
	return device.Settings{
		DeviceID:             c.Device.ID,
		Location:             c.Device.Location,
		FirmwareVersion:      c.Device.FirmwareVersion,
		Topics:               c.Topics(),
		PollInterval:         c.Loop.PollInterval,
		ConnectivityInterval: c.Loop.ConnectivityInterval,
		HeartbeatInterval:    c.Loop.HeartbeatInterval,
		DrainInterval:        c.Loop.DrainInterval,
		EnrollTimeout:        c.Loop.EnrollTimeout,
		InboxSize:            c.Loop.InboxSize,
	}
}

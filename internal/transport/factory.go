package transport

import (
	"fmt"
	"log/slog"
)

// Kinds accepted by Open.
const (
	KindMQTT   = "mqtt"
	KindRedis  = "redis"
	KindMemory = "memory"
)

// Config selects and configures a transport.
type Config struct {
	Kind  string
	MQTT  MQTTConfig
	Redis RedisConfig
}

// Open creates the transport selected by cfg.Kind. An empty kind means mqtt.
func Open(cfg Config, logger *slog.Logger) (Transport, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = KindMQTT
	}
	switch kind {
	case KindMQTT:
		return NewMQTT(cfg.MQTT, logger)
	case KindRedis:
		return NewRedis(cfg.Redis, logger)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", kind)
	}
}

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Redis carries messages over Redis pub/sub channels named after topics.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// NewRedis creates a Redis transport. The connection is checked lazily by
// IsLinkUp.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, logger: logger}, nil
}

func (t *Redis) IsLinkUp(ctx context.Context) bool {
	return t.client.Ping(ctx).Err() == nil
}

func (t *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a goroutine that forwards messages on topic to h until
// Close.
func (t *Redis) Subscribe(topic string, h Handler) error {
	ctx := context.Background()
	ps := t.client.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ps.Close()
		return fmt.Errorf("redis subscribe %s: transport closed", topic)
	}
	t.subs = append(t.subs, ps)
	t.mu.Unlock()

	ch := ps.Channel()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range ch {
			h(msg.Channel, []byte(msg.Payload))
		}
	}()
	return nil
}

func (t *Redis) Close() error {
	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, ps := range subs {
		if err := ps.Close(); err != nil {
			t.logger.Warn("redis unsubscribe failed", "error", err)
		}
	}
	t.wg.Wait()
	return t.client.Close()
}

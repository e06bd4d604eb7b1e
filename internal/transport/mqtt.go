package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTT is the production transport.
//
// paho's own reconnect loop is off: the connectivity monitor calls
// Reconnect when it sees the link down. Subscriptions are remembered and
// re-issued on every connect.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// NewMQTT creates an MQTT transport. It does not connect; the first
// Reconnect (issued by the connectivity monitor) does.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("mqtt client id required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &MQTT{cfg: cfg, logger: logger, subs: make(map[string]Handler)}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	t.client = mqtt.NewClient(opts)
	return t, nil
}

func (t *MQTT) onConnect(c mqtt.Client) {
	t.logger.Info("mqtt connected", "broker", t.cfg.Broker)

	t.mu.Lock()
	subs := make(map[string]Handler, len(t.subs))
	for topic, h := range t.subs {
		subs[topic] = h
	}
	t.mu.Unlock()

	for topic, h := range subs {
		tok := c.Subscribe(topic, t.cfg.QoS, wrap(h))
		if tok.WaitTimeout(t.cfg.ConnectTimeout) && tok.Error() != nil {
			t.logger.Error("mqtt resubscribe failed", "topic", topic, "error", tok.Error())
		}
	}
}

func wrap(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	}
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MQTT) IsLinkUp(context.Context) bool {
	return t.client.IsConnectionOpen()
}

// Reconnect connects if the client is not connected.
func (t *MQTT) Reconnect(ctx context.Context) error {
	if t.client.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	if err := wait(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", t.cfg.Broker, err)
	}
	return nil
}

func (t *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return ErrLinkDown
	}
	if err := wait(ctx, t.client.Publish(topic, t.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic. If the client is connected the broker
// subscription is issued now, otherwise on the next connect.
func (t *MQTT) Subscribe(topic string, h Handler) error {
	t.mu.Lock()
	t.subs[topic] = h
	t.mu.Unlock()

	if !t.client.IsConnectionOpen() {
		return nil
	}
	tok := t.client.Subscribe(topic, t.cfg.QoS, wrap(h))
	if !tok.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (t *MQTT) Close() error {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

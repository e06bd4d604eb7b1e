package transport

import (
	"context"
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

// Message is one published message kept by Memory.
type Message struct {
	Topic   string
	Payload []byte
}

// Memory is an in-process transport on top of an event bus. The link state
// is set by the test or harness driving it.
type Memory struct {
	bus evbus.Bus

	mu        sync.Mutex
	up        bool
	published []Message
	reconnect func() bool
}

// NewMemory returns a transport whose link starts up.
func NewMemory() *Memory {
	return &Memory{bus: evbus.New(), up: true}
}

// SetLinkUp changes the simulated link state.
func (m *Memory) SetLinkUp(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = up
}

// OnReconnect sets the result of future Reconnect calls. fn returns the
// link state after the attempt.
func (m *Memory) OnReconnect(fn func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnect = fn
}

func (m *Memory) IsLinkUp(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

func (m *Memory) Reconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnect != nil {
		m.up = m.reconnect()
	}
	if !m.up {
		return ErrLinkDown
	}
	return nil
}

// Publish delivers payload to local subscribers of topic and records it.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	if !m.up {
		m.mu.Unlock()
		return ErrLinkDown
	}
	m.published = append(m.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	m.mu.Unlock()

	m.bus.Publish(topic, topic, payload)
	return nil
}

func (m *Memory) Subscribe(topic string, h Handler) error {
	return m.bus.Subscribe(topic, func(topic string, payload []byte) {
		h(topic, payload)
	})
}

// Inject delivers an inbound message to subscribers regardless of link
// state, as if a remote peer had published it.
func (m *Memory) Inject(topic string, payload []byte) {
	m.bus.Publish(topic, topic, payload)
}

// Published returns the messages published on topic, or all of them when
// topic is empty.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.published {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Memory) Close() error {
	m.SetLinkUp(false)
	return nil
}

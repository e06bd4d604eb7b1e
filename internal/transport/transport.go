// Package transport moves messages between the device and the rest of the
// deployment: inbound commands, outbound status and an event mirror.
//
// Handlers passed to Subscribe run on the transport's own goroutine. They
// must not touch device state directly; the device pushes what they receive
// into its inbox.
package transport

import (
	"context"
	"errors"
)

// ErrLinkDown is returned by Publish when the link is not up.
var ErrLinkDown = errors.New("transport: link down")

// Handler receives one inbound message.
type Handler func(topic string, payload []byte)

// Transport is a publish/subscribe link.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, h Handler) error
	IsLinkUp(ctx context.Context) bool
	Close() error
}

// Reconnector is implemented by transports that can re-establish a lost link
// on request.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Topics names the topics the device uses.
type Topics struct {
	Commands string
	Status   string
	Events   string
}

// DefaultTopics returns the school deployment topic layout.
func DefaultTopics() Topics {
	return Topics{
		Commands: "escuela/biometrico/comandos",
		Status:   "escuela/biometrico/estado",
		Events:   "escuela/biometrico/eventos",
	}
}

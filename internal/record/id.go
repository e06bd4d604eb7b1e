package record

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces event IDs. The authority uses them to discard
// redeliveries of an event it already acknowledged.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator issues time-ordered event IDs. Production devices use
// it; it holds no state.
type UUIDv7Generator struct{}

// Generate panics only if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns Prefix-1, Prefix-2, ... and never runs out.
// The harness and package tests use it for readable IDs.
type SequenceGenerator struct {
	Prefix string

	mu sync.Mutex
	n  int
}

// Generate returns the next ID in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.Prefix + "-" + strconv.Itoa(g.n)
}

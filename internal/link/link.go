// Package link tracks whether the device can reach the authority.
//
//	Disconnected ──link up──▶ LinkEstablished ──probe ok──▶ AuthorityReachable
//	     ▲                          │  ▲                          │
//	     └──────link down───────────┘  └─────probe failed─────────┘
//
// Only AuthorityReachable permits outbound delivery. State is not persisted;
// every boot starts Disconnected.
package link

import (
	"context"
	"log/slog"
	"time"
)

// State is the connectivity state.
type State string

const (
	Disconnected       State = "disconnected"
	LinkEstablished    State = "link_established"
	AuthorityReachable State = "authority_reachable"
)

// Transition is a change reported by Evaluate. From == To means no change.
type Transition struct {
	From State
	To   State
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool { return t.From != t.To }

// BecameReachable reports whether this transition entered AuthorityReachable.
func (t Transition) BecameReachable() bool {
	return t.Changed() && t.To == AuthorityReachable
}

// LostReachability reports whether this transition left AuthorityReachable.
func (t Transition) LostReachability() bool {
	return t.Changed() && t.From == AuthorityReachable
}

// Link reports the state of the network link below the authority.
type Link interface {
	IsLinkUp(ctx context.Context) bool
}

// Reconnector is implemented by links that can be asked to reconnect.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Prober checks that the authority answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithProbeTimeout bounds each authority probe. Defaults to 5s.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// Monitor owns the connectivity state. Not safe for concurrent use.
type Monitor struct {
	link    Link
	prober  Prober
	logger  *slog.Logger
	timeout time.Duration

	state     State
	listeners []func(Transition)
}

// New returns a Monitor in the Disconnected state.
func New(link Link, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		link:    link,
		prober:  prober,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		state:   Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Monitor) State() State { return m.state }

// Reachable reports whether outbound delivery is permitted.
func (m *Monitor) Reachable() bool { return m.state == AuthorityReachable }

// OnChange registers fn to run after every state change. Listeners run
// synchronously in registration order.
func (m *Monitor) OnChange(fn func(Transition)) {
	m.listeners = append(m.listeners, fn)
}

// Evaluate re-checks the link and the authority and moves the state.
func (m *Monitor) Evaluate(ctx context.Context) Transition {
	if !m.link.IsLinkUp(ctx) {
		if r, ok := m.link.(Reconnector); ok {
			if err := r.Reconnect(ctx); err != nil {
				m.logger.Debug("reconnect failed", "error", err)
			}
		}
		if !m.link.IsLinkUp(ctx) {
			return m.set(Disconnected)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.prober.Probe(pctx); err != nil {
		m.logger.Debug("authority probe failed", "error", err)
		return m.set(LinkEstablished)
	}
	return m.set(AuthorityReachable)
}

// MarkUnreachable demotes AuthorityReachable to LinkEstablished after a
// delivery timed out. It has no effect in other states.
func (m *Monitor) MarkUnreachable() Transition {
	if m.state != AuthorityReachable {
		return Transition{From: m.state, To: m.state}
	}
	return m.set(LinkEstablished)
}

func (m *Monitor) set(s State) Transition {
	t := Transition{From: m.state, To: s}
	if !t.Changed() {
		return t
	}
	m.state = s
	m.logger.Info("connectivity changed", "from", t.From, "to", t.To)
	for _, fn := range m.listeners {
		fn(t)
	}
	return t
}

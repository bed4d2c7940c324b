// Package breaker supervises calls to upstream targets (inference backends,
// datasources) with per-target circuit breakers and bounded retries.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the circuit rejects the call without
// touching the upstream.
var ErrOpen = errors.New("circuit open")

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold opens the circuit after this many failures inside
	// Window (default: 5).
	FailureThreshold int
	// Window is the sliding failure-counting window (default: 60s).
	Window time.Duration
	// Cooldown is how long an open circuit rejects before allowing a probe
	// (default: 30s).
	Cooldown time.Duration
	// OnTransition is called outside the lock after each state change.
	OnTransition func(target string, from, to State)
}

// rollingWindow is the outcome ring for the success-rate snapshot.
const rollingWindow = 50

// Breaker is a single-target circuit breaker. The lock guards bookkeeping
// only; callers perform I/O between Allow and Record with no lock held.
type Breaker struct {
	target string
	cfg    Config

	mu           sync.Mutex
	state        State
	failures     []time.Time
	changedAt    time.Time
	probing      bool
	lastErrClass string
	outcomes     []bool
	outcomeIdx   int

	now func() time.Time
}

// New creates a closed breaker for a target.
func New(target string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		target:    target,
		cfg:       cfg,
		state:     StateClosed,
		changedAt: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open state only a single
// probe is granted; concurrent callers get ErrOpen until the probe reports.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Sub(b.changedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		from := b.transition(StateHalfOpen)
		b.probing = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Record reports the final outcome of an allowed call. Intermediate retry
// attempts must not be recorded; only the settled result moves the circuit.
func (b *Breaker) Record(success bool, errClass string) {
	b.mu.Lock()

	b.recordOutcome(success)
	var from, to State
	notify := false

	if success {
		b.lastErrClass = ""
		if b.state == StateHalfOpen {
			from = b.transition(StateClosed)
			to = StateClosed
			b.failures = nil
			notify = true
		}
	} else {
		b.lastErrClass = errClass
		now := b.now()
		switch b.state {
		case StateHalfOpen:
			from = b.transition(StateOpen)
			to = StateOpen
			notify = true
		case StateClosed:
			b.failures = append(b.pruneFailures(now), now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				from = b.transition(StateOpen)
				to = StateOpen
				notify = true
			}
		}
	}
	b.probing = false
	b.mu.Unlock()

	if notify {
		b.notify(from, to)
	}
}

// Snapshot is the health view of one breaker.
type Snapshot struct {
	Target      string  `json:"target"`
	State       State   `json:"state"`
	AgeSeconds  float64 `json:"age_seconds"`
	LastError   string  `json:"last_error,omitempty"`
	SuccessRate float64 `json:"success_rate"`
}

// Snapshot returns the current health view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 1.0
	if len(b.outcomes) > 0 {
		ok := 0
		for _, s := range b.outcomes {
			if s {
				ok++
			}
		}
		rate = float64(ok) / float64(len(b.outcomes))
	}
	return Snapshot{
		Target:      b.target,
		State:       b.state,
		AgeSeconds:  b.now().Sub(b.changedAt).Seconds(),
		LastError:   b.lastErrClass,
		SuccessRate: rate,
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held; returns the previous state.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	b.changedAt = b.now()
	return from
}

func (b *Breaker) notify(from, to State) {
	slog.Info("breaker: state change", "target", b.target, "from", from, "to", to)
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.target, from, to)
	}
}

func (b *Breaker) pruneFailures(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// recordOutcome must be called with the lock held.
func (b *Breaker) recordOutcome(success bool) {
	if len(b.outcomes) < rollingWindow {
		b.outcomes = append(b.outcomes, success)
		return
	}
	b.outcomes[b.outcomeIdx] = success
	b.outcomeIdx = (b.outcomeIdx + 1) % rollingWindow
}

// Group is the per-target breaker registry.
type Group struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewGroup creates a registry; every breaker shares cfg.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a target, creating it on first use.
func (g *Group) Get(target string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[target]
	if !ok {
		b = New(target, g.cfg)
		g.breakers[target] = b
	}
	return b
}

// Snapshots returns the health view of all known targets.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// AnyOpen reports whether any circuit is currently open. Used by the
// readiness probe.
func (g *Group) AnyOpen() bool {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	for _, b := range breakers {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}

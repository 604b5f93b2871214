package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is the cause of the connect error returned while a
// [Breaker] is refusing new sessions.
var ErrCircuitOpen = errors.New("transport: circuit open")

// ErrAllFailed is the cause returned by [Failover] when every transport
// failed or was refusing connections.
var ErrAllFailed = errors.New("transport: all transports failed")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every Open call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects Open calls until the reset timeout elapses.
	BreakerOpen

	// BreakerHalfOpen lets a limited number of probe connects through.
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive connect failures that opens
	// the breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, when set, is called after every state transition.
	OnStateChange func(name string, from, to BreakerState)
}

// Breaker wraps a [Transport] with a three-state circuit breaker
// (closed, open, half-open) around Open.
//
// Only connect failures count. A session that opens and later reports a
// remote error does not trip the breaker. Context cancellation by the caller
// is not counted either.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	inner Transport
	cfg   BreakerConfig
	now   func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

var _ Transport = (*Breaker)(nil)

// NewBreaker wraps inner.
func NewBreaker(inner Transport, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{inner: inner, cfg: cfg, now: time.Now}
}

// Name implements [Transport].
func (b *Breaker) Name() string { return b.inner.Name() }

// Open implements [Transport].
func (b *Breaker) Open(ctx context.Context, cfg Config) (Session, error) {
	probe, err := b.admit()
	if err != nil {
		return nil, err
	}
	sess, err := b.inner.Open(ctx, cfg)
	switch {
	case err == nil:
		b.record(probe, true)
	case ctx.Err() != nil:
		// Caller gave up; say nothing about the provider.
		b.release(probe)
	default:
		b.record(probe, false)
	}
	return sess, err
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = BreakerClosed
	b.failures, b.probes, b.probeWins = 0, 0, 0
	b.mu.Unlock()
	b.notify(from, BreakerClosed)
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from BreakerState
	transitioned := false
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false, &Error{Provider: b.inner.Name(), Op: OpConnect, Err: ErrCircuitOpen}
		}
		from, transitioned = b.state, true
		b.state = BreakerHalfOpen
		b.probes, b.probeWins = 0, 0
	case BreakerHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return false, &Error{Provider: b.inner.Name(), Op: OpConnect, Err: ErrCircuitOpen}
		}
	}
	probe = b.state == BreakerHalfOpen
	if probe {
		b.probes++
	}
	b.mu.Unlock()
	if transitioned {
		b.notify(from, BreakerHalfOpen)
	}
	return probe, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	from := b.state
	to := from
	switch {
	case ok && probe:
		b.probeWins++
		if b.probeWins >= b.cfg.HalfOpenMax {
			to = BreakerClosed
			b.failures, b.probes, b.probeWins = 0, 0, 0
		}
	case ok:
		b.failures = 0
	case probe:
		to = BreakerOpen
		b.openedAt = b.now()
	default:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			to = BreakerOpen
			b.openedAt = b.now()
		}
	}
	b.state = to
	failures := b.failures
	b.mu.Unlock()

	if to != from {
		if to == BreakerOpen {
			slog.Warn("transport: circuit opened", "provider", b.inner.Name(), "consecutive_failures", failures)
		} else {
			slog.Info("transport: circuit closed", "provider", b.inner.Name())
		}
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to BreakerState) {
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.inner.Name(), from, to)
	}
}

// Failover opens sessions on the first transport that accepts the connect,
// in registration order. Each transport sits behind its own [Breaker], so a
// provider that is down is skipped without waiting for it.
type Failover struct {
	entries []*Breaker
}

var _ Transport = (*Failover)(nil)

// NewFailover returns a Failover over primary and fallbacks.
func NewFailover(cfg BreakerConfig, primary Transport, fallbacks ...Transport) *Failover {
	f := &Failover{}
	for _, t := range append([]Transport{primary}, fallbacks...) {
		if b, ok := t.(*Breaker); ok {
			f.entries = append(f.entries, b)
			continue
		}
		f.entries = append(f.entries, NewBreaker(t, cfg))
	}
	return f
}

// Name implements [Transport]. It joins the member names with "|".
func (f *Failover) Name() string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.Name()
	}
	return strings.Join(names, "|")
}

// Open implements [Transport].
func (f *Failover) Open(ctx context.Context, cfg Config) (Session, error) {
	var lastErr error
	for _, e := range f.entries {
		sess, err := e.Open(ctx, cfg)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("transport: skipping provider, circuit open", "provider", e.Name())
		} else {
			slog.Warn("transport: connect failed, trying next", "provider", e.Name(), "err", err)
		}
	}
	return nil, &Error{Provider: f.Name(), Op: OpConnect, Err: fmt.Errorf("%w: %w", ErrAllFailed, lastErr)}
}

// Members returns the breakers in order.
func (f *Failover) Members() []*Breaker { return f.entries }

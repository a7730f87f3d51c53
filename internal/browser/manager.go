// Package browser keeps a direct controller-to-browser connection usable
// across peer crashes. Callers wrap operations in RunGuarded; when an
// operation fails with a classified connection error, all concurrent failures
// collapse into one shared reconnection sequence and each caller's operation
// is retried exactly once after it completes.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/tabbridge/pkg/events"
)

// State of the managed peer connection.
type State int

const (
	StateClosed State = iota
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls the reconnection policy.
type Config struct {
	MaxAttempts    int           // reconnect attempts per sequence (default 3)
	Backoff        Backoff       // per-attempt delay policy
	OverallTimeout time.Duration // bound on the whole sequence (default 30s)
}

// DefaultConfig matches the source policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		Backoff:        DefaultBackoff(),
		OverallTimeout: 30 * time.Second,
	}
}

// sequence is the shared handle for one in-flight reconnection. Every
// concurrent trigger waits on done and reads err afterwards.
type sequence struct {
	done chan struct{}
	err  error
}

// Manager owns the lifecycle of one direct peer connection. Construct one per
// managed browser at the composition root; there is deliberately no package
// singleton, so tests build fresh instances.
type Manager struct {
	cfg Config
	bus *events.Bus

	mu          sync.Mutex
	peer        Peer
	factory     Factory
	state       State
	attempts    int // lifetime counter, reset only by ResetAttempts
	inflight    *sequence
	onReconnect func(Peer)
}

// NewManager creates an unbound manager. bus may be nil.
func NewManager(cfg Config, bus *events.Bus) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 30 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Manager{cfg: cfg, bus: bus, state: StateClosed}
}

// Bind stores the active peer and the factory used to replace it, and
// registers the disconnect listener that starts reconnection without waiting
// for any caller to notice the failure.
func (m *Manager) Bind(peer Peer, factory Factory) {
	m.mu.Lock()
	m.peer = peer
	m.factory = factory
	m.state = StateConnected
	m.mu.Unlock()

	m.watchDisconnect(peer)
}

// OnReconnect registers a hook invoked with each replacement peer, after the
// new peer is live but before waiting callers retry.
func (m *Manager) OnReconnect(fn func(Peer)) {
	m.mu.Lock()
	m.onReconnect = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the lifetime reconnect attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ResetAttempts zeroes the lifetime counter. Never done implicitly.
func (m *Manager) ResetAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// RunGuarded executes op against the current peer. A failure classified as
// connection loss triggers (or joins) the shared reconnection sequence and
// retries op exactly once afterwards. Any other failure propagates unchanged.
func (m *Manager) RunGuarded(ctx context.Context, op func(p Peer) error) error {
	m.mu.Lock()
	p := m.peer
	m.mu.Unlock()
	if p == nil {
		return ErrNotBound
	}

	err := op(p)
	if err == nil || !IsConnectionError(err) {
		return err
	}

	seq := m.triggerReconnect(err.Error())
	select {
	case <-seq.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if seq.err != nil {
		return seq.err
	}

	m.mu.Lock()
	p = m.peer
	m.mu.Unlock()
	return op(p)
}

// triggerReconnect starts a reconnection sequence, or returns the one already
// running. The check-and-set happens under the mutex with no blocking in
// between, so two concurrent triggers can never both observe "no sequence
// running".
func (m *Manager) triggerReconnect(reason string) *sequence {
	m.mu.Lock()
	if m.inflight != nil {
		seq := m.inflight
		m.mu.Unlock()
		return seq
	}
	seq := &sequence{done: make(chan struct{})}
	m.inflight = seq
	m.state = StateReconnecting
	factory := m.factory
	m.mu.Unlock()

	m.publish(events.ReconnectStarted, map[string]interface{}{"reason": reason})
	go m.runSequence(seq, factory)
	return seq
}

// runSequence drives up to MaxAttempts reconnect attempts under one overall
// timeout. The timeout is checked before and after each attempt's sleep; it
// does not cancel a factory call already in progress, it only stops further
// attempts.
func (m *Manager) runSequence(seq *sequence, factory Factory) {
	defer m.finishSequence(seq)

	if factory == nil {
		seq.err = ErrNotBound
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OverallTimeout)
	defer cancel()

	var lastErr error
	attemptsMade := 0

	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		delay := m.cfg.Backoff.Delay(attempt)

		select {
		case <-ctx.Done():
			seq.err = &ExhaustedError{Attempts: attemptsMade, TimedOut: true, LastErr: firstNonNil(lastErr, ctx.Err())}
			m.markClosed()
			return
		default:
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			seq.err = &ExhaustedError{Attempts: attemptsMade, TimedOut: true, LastErr: firstNonNil(lastErr, ctx.Err())}
			m.markClosed()
			return
		}

		m.mu.Lock()
		m.attempts++
		m.mu.Unlock()
		attemptsMade++

		newPeer, err := factory(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		m.adopt(newPeer)
		m.publish(events.ReconnectDone, map[string]interface{}{"attempts": attemptsMade})
		return
	}

	seq.err = &ExhaustedError{Attempts: attemptsMade, LastErr: lastErr}
	m.markClosed()
	m.publish(events.ReconnectDone, map[string]interface{}{
		"attempts": attemptsMade,
		"error":    fmt.Sprint(seq.err),
	})
}

// adopt swaps in the replacement peer. The old peer is closed best-effort;
// close failures on an already-dead connection carry no information.
func (m *Manager) adopt(newPeer Peer) {
	m.mu.Lock()
	old := m.peer
	m.peer = newPeer
	m.state = StateConnected
	hook := m.onReconnect
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.watchDisconnect(newPeer)
	if hook != nil {
		hook(newPeer)
	}
}

// finishSequence clears the in-flight handle unconditionally, success or
// failure, then releases every waiter.
func (m *Manager) finishSequence(seq *sequence) {
	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(seq.done)
}

func (m *Manager) markClosed() {
	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
}

// watchDisconnect wires the peer's disconnect notification to an immediate
// reconnection. The guard against a stale peer matters: an old peer's
// delayed disconnect must not restart reconnection after it was replaced.
func (m *Manager) watchDisconnect(p Peer) {
	p.OnDisconnect(func(reason string) {
		m.mu.Lock()
		current := m.peer == p && m.state == StateConnected
		m.mu.Unlock()
		if current {
			m.triggerReconnect("peer disconnected: " + reason)
		}
	})
}

// Close shuts the manager down and closes the peer. The attempt counter is
// preserved; a closed manager does not reconnect.
func (m *Manager) Close() error {
	m.mu.Lock()
	p := m.peer
	m.peer = nil
	m.state = StateClosed
	m.mu.Unlock()

	if p != nil {
		return p.Close()
	}
	return nil
}

func (m *Manager) publish(t events.EventType, data map[string]interface{}) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: t, Source: "browser", Data: data})
	}
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

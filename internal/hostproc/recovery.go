package hostproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/tabbridge/pkg/events"
)

// Prober answers "is the host reachable right now". *Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Handler restarts or launches the host process. It returns once the restart
// has been initiated; the host may still need a few seconds to accept
// connections, which the re-probe schedule absorbs.
type Handler func(ctx context.Context) error

// Recovery brings an unavailable host process back, collapsing concurrent
// requests into one handler invocation. Late arrivals wait for the in-flight
// recovery and re-probe once rather than stacking restarts.
type Recovery struct {
	prober  Prober
	handler Handler
	bus     *events.Bus
	delays  []time.Duration

	mu       sync.Mutex
	inflight chan struct{} // non-nil while a recovery runs; closed when done
}

// NewRecovery creates a coordinator. bus may be nil. handler may be nil, in
// which case EnsureAvailable fails with ErrNoRecoveryHandler when the host is
// down.
func NewRecovery(prober Prober, handler Handler, bus *events.Bus) *Recovery {
	return &Recovery{
		prober:  prober,
		handler: handler,
		bus:     bus,
		delays:  []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second},
	}
}

// SetDelays overrides the post-handler re-probe schedule. Test hook.
func (r *Recovery) SetDelays(delays []time.Duration) {
	r.mu.Lock()
	r.delays = append([]time.Duration(nil), delays...)
	r.mu.Unlock()
}

// EnsureAvailable returns nil once the host answers a probe, launching the
// recovery handler at most once across all concurrent callers. Callers that
// arrive while a recovery is running wait it out and re-probe exactly once.
func (r *Recovery) EnsureAvailable(ctx context.Context) error {
	if r.prober.Ping(ctx) == nil {
		return nil
	}

	r.mu.Lock()
	if r.inflight != nil {
		done := r.inflight
		r.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		// One re-probe only. If the finished recovery did not help, piling
		// a second recovery on top rarely does either.
		if r.prober.Ping(ctx) == nil {
			return nil
		}
		return ErrStillUnavailable
	}

	if r.handler == nil {
		r.mu.Unlock()
		return ErrNoRecoveryHandler
	}

	done := make(chan struct{})
	r.inflight = done
	delays := append([]time.Duration(nil), r.delays...)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inflight = nil
		r.mu.Unlock()
		close(done)
	}()

	r.publish(events.HostUnavailable, map[string]interface{}{"action": "recovering"})

	if err := r.handler(ctx); err != nil {
		return fmt.Errorf("recovery handler failed: %w", err)
	}

	var lastErr error
	for _, d := range delays {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
		if lastErr = r.prober.Ping(ctx); lastErr == nil {
			r.publish(events.HostAvailable, nil)
			return nil
		}
	}

	return fmt.Errorf("host did not come back after recovery: %w", lastErr)
}

func (r *Recovery) publish(typ events.EventType, data map[string]interface{}) {
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: typ, Data: data})
	}
}

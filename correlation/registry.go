// Package correlation lets a caller issue a request over the broker and
// block on a typed reply even though the transport is asynchronous fan-out.
// Each pending request is a single-resolution slot keyed by correlation id:
// exactly one of reply, error, or timeout wins, and every later resolution
// attempt is a no-op. That last property is what makes the protocol safe
// under broker redelivery and racing responders.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/drover-io/drover/envelope"
)

var (
	// ErrTimeout resolves a waiter whose deadline elapsed before a reply.
	ErrTimeout = errors.New("correlation: request timed out")
	// ErrDuplicateID rejects registering a correlation id twice.
	ErrDuplicateID = errors.New("correlation: id already registered")
	// ErrClosed rejects registrations after the registry shut down.
	ErrClosed = errors.New("correlation: registry closed")
)

const defaultSweepInterval = time.Second

// Future is the caller's handle on a pending request.
type Future interface {
	// Get blocks until the entry resolves, the deadline passes (ErrTimeout),
	// or ctx is done.
	Get(ctx context.Context) (*envelope.Envelope, error)
}

// Registry tracks pending waiters by correlation id. It is process-local
// and owned by the component that created it; pass it explicitly rather
// than sharing it as ambient state.
type Registry struct {
	entries       *haxmap.Map[string, *entry]
	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithSweepInterval sets how often expired entries are reaped. Expiry is
// also checked lazily by Get, so the sweep only bounds cleanup latency for
// abandoned futures.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// NewRegistry creates a registry and starts its expiry sweep.
func NewRegistry(options ...Option) *Registry {
	r := &Registry{
		entries:       haxmap.New[string, *entry](),
		sweepInterval: defaultSweepInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	go r.sweep()
	return r
}

// Register creates a pending entry for id with the given deadline. The
// cleanup hook runs exactly once when the entry resolves or expires; it is
// where ephemeral reply subscriptions get torn down.
func (r *Registry) Register(id string, deadline time.Time, cleanup func()) (Future, error) {
	if id == "" {
		return nil, errors.New("correlation: id is required")
	}
	select {
	case <-r.done:
		return nil, ErrClosed
	default:
	}

	e := &entry{
		id:       id,
		deadline: deadline,
		ch:       make(chan outcome, 1),
		cleanup:  cleanup,
		registry: r,
	}
	if _, loaded := r.entries.GetOrCompute(id, func() *entry { return e }); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	return e, nil
}

// Resolve completes the waiter for id with a reply envelope. Unknown,
// already-resolved, and expired ids are silently ignored: duplicate
// delivery is expected, not an error.
func (r *Registry) Resolve(id string, env *envelope.Envelope) {
	if e, ok := r.entries.Get(id); ok {
		e.settle(outcome{env: env})
	}
}

// Fail completes the waiter for id with an error. Same no-op semantics as
// Resolve for ids that are not pending.
func (r *Registry) Fail(id string, err error) {
	if e, ok := r.entries.Get(id); ok {
		e.settle(outcome{err: err})
	}
}

// Len reports the number of pending entries.
func (r *Registry) Len() int {
	return int(r.entries.Len())
}

// Close stops the sweep and times out every pending waiter.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.entries.ForEach(func(_ string, e *entry) bool {
			e.settle(outcome{err: ErrClosed})
			return true
		})
	})
}

func (r *Registry) sweep() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.entries.ForEach(func(_ string, e *entry) bool {
				if !e.deadline.IsZero() && now.After(e.deadline) {
					e.settle(outcome{err: ErrTimeout})
				}
				return true
			})
		}
	}
}

type outcome struct {
	env *envelope.Envelope
	err error
}

// entry is the single-resolution slot. settle may be called any number of
// times from replies, sweeps, and deadline timers; the first call wins.
type entry struct {
	id       string
	deadline time.Time
	ch       chan outcome
	once     sync.Once
	cleanup  func()
	registry *Registry

	mu     sync.Mutex
	done   bool
	result outcome
}

func (e *entry) settle(o outcome) {
	e.once.Do(func() {
		e.ch <- o
		e.registry.entries.Del(e.id)
		if e.cleanup != nil {
			e.cleanup()
		}
	})
}

func (e *entry) Get(ctx context.Context) (*envelope.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.result.env, e.result.err
	}

	var deadlineC <-chan time.Time
	if !e.deadline.IsZero() {
		timer := time.NewTimer(time.Until(e.deadline))
		defer timer.Stop()
		deadlineC = timer.C
	}

	var o outcome
	select {
	case o = <-e.ch:
	case <-deadlineC:
		// Race the timer against a concurrent reply: whichever settles the
		// entry first wins, the loser is a no-op.
		e.settle(outcome{err: ErrTimeout})
		o = <-e.ch
	case <-ctx.Done():
		e.settle(outcome{err: ctx.Err()})
		o = <-e.ch
	}
	e.result = o
	e.done = true
	return o.env, o.err
}

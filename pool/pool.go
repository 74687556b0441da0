// Package pool provides bounded pools of leased resources and the scoped
// acquisition primitive used around every admitted execution.
//
// A value is leased from the pool before a block runs and is returned when
// the block exits, on every exit path. Callers never hold a Handle outside
// of WithScope.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by WithScope after the pool has been drained.
var ErrClosed = errors.New("pool is closed")

// Factory opens and closes the pooled values.
type Factory[T any] interface {
	Open(ctx context.Context) (T, error)
	Close(value T) error
}

// Funcs adapts a pair of functions to the Factory interface.
type Funcs[T any] struct {
	OpenFunc  func(ctx context.Context) (T, error)
	CloseFunc func(value T) error
}

// Open calls OpenFunc, or returns the zero value when it is nil.
func (f Funcs[T]) Open(ctx context.Context) (T, error) {
	if f.OpenFunc == nil {
		var zero T
		return zero, nil
	}
	return f.OpenFunc(ctx)
}

// Close calls CloseFunc when set.
func (f Funcs[T]) Close(value T) error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc(value)
}

// Config holds pool sizing.
type Config struct {
	Capacity int
}

// Stats is a snapshot of pool bookkeeping.
type Stats struct {
	Capacity  int   `json:"capacity"`
	Leased    int   `json:"leased"`
	HighWater int   `json:"high_water"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Compacted int64 `json:"compacted"`
}

// Handle is an exclusive lease of one pool slot.
type Handle[T any] struct {
	id       uuid.UUID
	value    T
	leasedAt time.Time
	released atomic.Bool
}

// ID identifies the lease.
func (h *Handle[T]) ID() uuid.UUID {
	return h.id
}

// Value returns the leased value.
func (h *Handle[T]) Value() T {
	return h.value
}

// LeasedAt returns when the slot was acquired.
func (h *Handle[T]) LeasedAt() time.Time {
	return h.leasedAt
}

// Observer is notified with the number of outstanding leases after every
// acquire and release.
type Observer func(leased int)

type options struct {
	logger    *zap.Logger
	policy    CompactionPolicy
	compactor Compactor
	observer  Observer
}

// Option configures a Pool.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCompaction installs a compactor and the policy deciding when it runs.
func WithCompaction(policy CompactionPolicy, compactor Compactor) Option {
	return func(o *options) {
		o.policy = policy
		o.compactor = compactor
	}
}

// WithObserver sets a lease-count observer, typically a metrics gauge.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// Pool is a bounded set of leasable slots.
type Pool[T any] struct {
	capacity int
	sem      *semaphore.Weighted
	factory  Factory[T]
	opts     options
	closed   atomic.Bool

	mu     sync.Mutex
	leases map[uuid.UUID]time.Time
	stats  Stats
}

// New creates a pool with cfg.Capacity slots.
func New[T any](cfg Config, factory Factory[T], opts ...Option) (*Pool[T], error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got: %d", cfg.Capacity)
	}
	if factory == nil {
		return nil, errors.New("pool factory is required")
	}

	o := options{
		logger: zap.NewNop(),
		policy: Never(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	return &Pool[T]{
		capacity: cfg.Capacity,
		sem:      semaphore.NewWeighted(int64(cfg.Capacity)),
		factory:  factory,
		opts:     o,
		leases:   make(map[uuid.UUID]time.Time, cfg.Capacity),
		stats:    Stats{Capacity: cfg.Capacity},
	}, nil
}

// Capacity returns the number of slots.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Stats returns a snapshot of the bookkeeping.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// WithScope leases a handle, runs fn and returns the handle to the pool on
// every exit path, including a panic in fn (which is propagated after the
// release). Waiting for a free slot honours ctx.
func WithScope[T any](ctx context.Context, p *Pool[T], fn func(h *Handle[T]) error) error {
	h, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		p.release(h)
		p.maybeCompact()
	}()

	return fn(h)
}

func (p *Pool[T]) acquire(ctx context.Context) (*Handle[T], error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for pool slot: %w", err)
	}

	value, err := p.factory.Open(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("opening pooled resource: %w", err)
	}

	h := &Handle[T]{id: uuid.New(), value: value, leasedAt: time.Now()}

	p.mu.Lock()
	p.leases[h.id] = h.leasedAt
	p.stats.Leased = len(p.leases)
	p.stats.Acquired++
	if p.stats.Leased > p.stats.HighWater {
		p.stats.HighWater = p.stats.Leased
	}
	leased := p.stats.Leased
	p.mu.Unlock()

	p.notify(leased)
	return h, nil
}

func (p *Pool[T]) release(h *Handle[T]) {
	if !h.released.CompareAndSwap(false, true) {
		return
	}

	if err := p.factory.Close(h.value); err != nil {
		p.opts.logger.Warn("failed to close pooled resource",
			zap.String("lease_id", h.id.String()),
			zap.Error(err))
	}

	p.mu.Lock()
	delete(p.leases, h.id)
	p.stats.Leased = len(p.leases)
	p.stats.Released++
	leased := p.stats.Leased
	p.mu.Unlock()

	p.sem.Release(1)
	p.notify(leased)
}

func (p *Pool[T]) notify(leased int) {
	if p.opts.observer != nil {
		p.opts.observer(leased)
	}
}

func (p *Pool[T]) maybeCompact() {
	if p.opts.compactor == nil || p.opts.policy == nil || !p.opts.policy.ShouldCompact() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
		defer cancel()

		if err := p.opts.compactor.Compact(ctx); err != nil {
			p.opts.logger.Warn("pool compaction failed", zap.Error(err))
			return
		}

		p.mu.Lock()
		p.stats.Compacted++
		p.mu.Unlock()
	}()
}

// Drain refuses new leases and waits until every outstanding lease has been
// released or ctx is done.
func (p *Pool[T]) Drain(ctx context.Context) error {
	p.closed.Store(true)
	if err := p.sem.Acquire(ctx, int64(p.capacity)); err != nil {
		return fmt.Errorf("draining pool: %w", err)
	}
	p.sem.Release(int64(p.capacity))
	return nil
}

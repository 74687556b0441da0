package pool

import (
	"context"
	"math/rand/v2"
	"time"
)

const compactTimeout = 5 * time.Second

// CompactionPolicy decides, after a scope closes, whether the pool should
// run its compactor.
type CompactionPolicy interface {
	ShouldCompact() bool
}

// PolicyFunc adapts a function to CompactionPolicy.
type PolicyFunc func() bool

// ShouldCompact calls f.
func (f PolicyFunc) ShouldCompact() bool {
	return f()
}

// Always compacts after every scope.
func Always() CompactionPolicy {
	return PolicyFunc(func() bool { return true })
}

// Never disables compaction.
func Never() CompactionPolicy {
	return PolicyFunc(func() bool { return false })
}

// Probabilistic compacts with probability Rate. Rand defaults to
// math/rand/v2's Float64 and exists so tests can inject a fixed sequence.
type Probabilistic struct {
	Rate float64
	Rand func() float64
}

// ShouldCompact draws once and compares against Rate.
func (p Probabilistic) ShouldCompact() bool {
	if p.Rate <= 0 {
		return false
	}
	draw := p.Rand
	if draw == nil {
		draw = rand.Float64
	}
	return draw() < p.Rate
}

// Compactor releases idle resources held behind the pool.
type Compactor interface {
	Compact(ctx context.Context) error
}

// CompactorFunc adapts a function to Compactor.
type CompactorFunc func(ctx context.Context) error

// Compact calls f.
func (f CompactorFunc) Compact(ctx context.Context) error {
	return f(ctx)
}

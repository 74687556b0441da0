package engine

import (
	"context"

	"github.com/isdmx/consolebox/pool"
	"github.com/isdmx/consolebox/sandbox"
)

// PoolScope leases a slot from p for every execution and hands bind's
// capabilities to the evaluation. bind may be nil when the slot carries no
// value the snippet can use.
func PoolScope[T any](p *pool.Pool[T], bind func(ctx context.Context, value T) []sandbox.Capability) sandbox.Scope {
	return sandbox.ScopeFunc(func(ctx context.Context, fn func(context.Context, []sandbox.Capability) error) error {
		return pool.WithScope(ctx, p, func(h *pool.Handle[T]) error {
			var caps []sandbox.Capability
			if bind != nil {
				caps = bind(ctx, h.Value())
			}
			return fn(ctx, caps)
		})
	})
}

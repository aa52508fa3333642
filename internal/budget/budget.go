package budget

import (
	"context"
	"time"
)

// Budget tracks the wall-clock allowance granted to a single inbound request.
// One instance per request; never shared between requests, so no locking.
type Budget struct {
	total   time.Duration
	started time.Time
}

// New starts a budget of the given total allowance. time.Time carries a
// monotonic reading, so elapsed time is immune to wall-clock adjustments.
func New(total time.Duration) *Budget {
	return &Budget{
		total:   total,
		started: time.Now(),
	}
}

// Remaining returns the unspent allowance, floored at zero.
func (b *Budget) Remaining() time.Duration {
	left := b.total - time.Since(b.started)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the budget is fully consumed.
func (b *Budget) Expired() bool {
	return b.Remaining() == 0
}

// AttemptTimeout sizes a single upstream attempt: the per-call cap bounded by
// whatever budget is left.
func (b *Budget) AttemptTimeout(perCall time.Duration) time.Duration {
	if remaining := b.Remaining(); remaining < perCall {
		return remaining
	}
	return perCall
}

// Context derives a context that expires together with the budget.
func (b *Budget) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, b.started.Add(b.total))
}

// Total returns the full allowance the budget started with.
func (b *Budget) Total() time.Duration {
	return b.total
}

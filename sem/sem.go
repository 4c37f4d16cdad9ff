// Package sem provides weighted counting semaphores with context support.
//
// A semaphore maintains a pool of units. Acquire reserves units, possibly
// waiting until enough become available; Release returns them to the pool
// and wakes waiters that can now be satisfied.
package sem

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// A Semaphore maintains a pool of units that callers reserve and return.
//
// Acquire blocks until n units are simultaneously available and reserves
// them atomically, or until ctx is done, in which case it returns ctx.Err()
// and leaves no reservation behind. TryAcquire reserves n units without
// blocking and reports whether it succeeded. Release returns n units to the
// pool synchronously and wakes any waiters that can now be satisfied.
//
// Releasing more units than are currently held is a programming error and
// panics.
type Semaphore interface {
	Acquire(ctx context.Context, n int64) error
	TryAcquire(n int64) bool
	Release(n int64)
}

var _ Semaphore = (*semaphore.Weighted)(nil)

// NewWeighted returns a semaphore with the given capacity of units,
// backed by golang.org/x/sync/semaphore. Waiters are served FIFO.
func NewWeighted(capacity int64) Semaphore {
	return semaphore.NewWeighted(capacity)
}

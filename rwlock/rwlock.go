// Package rwlock provides an asynchronous reader-writer lock.
//
// An RWLock protects a single value, allowing a number of readers or at
// most one writer at any point in time. It is built on a weighted counting
// semaphore: a reader reserves one unit, a writer reserves all of them, so
// mutual exclusion between a writer and everybody else follows from unit
// accounting alone. The capacity of the semaphore is the maximum number of
// simultaneous readers.
//
// Waiting for the lock is cooperative: Read and Write block the calling
// goroutine until the units are available or the passed context is done.
// The lock itself has no timeouts; callers bound the wait through ctx.
// Access to the protected value goes through guard objects whose Release
// returns the units, exactly once, on every exit path.
package rwlock

import (
	"context"
	"fmt"
	"sync/atomic"

	"gitlab.com/slon/rwlock/sem"
)

// DefaultCapacity is the number of permit units a lock created by New
// manages, and therefore the maximum number of concurrent readers.
const DefaultCapacity = 32

// An RWLock is an asynchronous reader-writer lock protecting a value of
// type T. The lock can be held by up to its capacity of readers or a
// single writer.
//
// An RWLock must not be copied after first use. The lock must outlive
// every guard derived from it.
type RWLock[T any] struct {
	sem      sem.Semaphore
	capacity int64

	// value защищён только учётом юнитов семафора,
	// собственного мьютекса у него нет.
	value T
}

// New creates an unlocked RWLock protecting value, with DefaultCapacity
// permit units.
func New[T any](value T) *RWLock[T] {
	return NewWithCapacity(value, DefaultCapacity)
}

// NewWithCapacity creates an unlocked RWLock protecting value. Capacity is
// the maximum number of simultaneous readers and must be at least 1;
// smaller capacities make exhaustive interleaving tests feasible.
func NewWithCapacity[T any](value T, capacity int64) *RWLock[T] {
	if capacity < 1 {
		panic("rwlock: capacity must be at least 1")
	}
	return &RWLock[T]{
		sem:      sem.NewWeighted(capacity),
		capacity: capacity,
		value:    value,
	}
}

// NewWithSemaphore creates an RWLock on top of a caller-provided semaphore
// holding capacity available units. The semaphore must be unused and must
// never be touched except through the lock.
func NewWithSemaphore[T any](value T, s sem.Semaphore, capacity int64) *RWLock[T] {
	if capacity < 1 {
		panic("rwlock: capacity must be at least 1")
	}
	return &RWLock[T]{sem: s, capacity: capacity, value: value}
}

// Read locks the lock for shared read access, waiting until no writer
// holds it, and returns a guard granting read-only access to the protected
// value. Up to the lock's capacity of read guards may be live at once; one
// more Read waits until a unit is released.
//
// The only possible error is ctx.Err(). On error no units are held and
// there is nothing to release.
func (l *RWLock[T]) Read(ctx context.Context) (*ReadGuard[T], error) {
	p := &releasingPermit{n: 1, sem: l.sem}
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	return &ReadGuard[T]{lock: l, permit: p}, nil
}

// Write locks the lock for exclusive write access, waiting until no reader
// or writer holds it, and returns a guard granting read-write access to
// the protected value.
//
// The only possible error is ctx.Err(). On error no units are held and
// there is nothing to release.
func (l *RWLock[T]) Write(ctx context.Context) (*WriteGuard[T], error) {
	p := &releasingPermit{n: l.capacity, sem: l.sem}
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	return &WriteGuard[T]{lock: l, permit: p}, nil
}

// TryRead locks the lock for read access without waiting. It reports
// whether the lock was acquired; on false the returned guard is nil.
func (l *RWLock[T]) TryRead() (*ReadGuard[T], bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	p := &releasingPermit{n: 1, sem: l.sem}
	p.acquired.Store(true)
	return &ReadGuard[T]{lock: l, permit: p}, true
}

// TryWrite locks the lock for write access without waiting. It reports
// whether the lock was acquired; on false the returned guard is nil.
func (l *RWLock[T]) TryWrite() (*WriteGuard[T], bool) {
	if !l.sem.TryAcquire(l.capacity) {
		return nil, false
	}
	p := &releasingPermit{n: l.capacity, sem: l.sem}
	p.acquired.Store(true)
	return &WriteGuard[T]{lock: l, permit: p}, true
}

// WithRead acquires read access, calls f with the protected value and
// releases the lock. The lock is released on every exit path, including a
// panic inside f.
func (l *RWLock[T]) WithRead(ctx context.Context, f func(T) error) error {
	g, err := l.Read(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	return f(g.Get())
}

// WithWrite acquires write access, calls f with a pointer to the protected
// value and releases the lock. The pointer must not be retained after f
// returns. The lock is released on every exit path, including a panic
// inside f.
func (l *RWLock[T]) WithWrite(ctx context.Context, f func(*T) error) error {
	g, err := l.Write(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	return f(g.Value())
}

// Capacity returns the total number of permit units the lock manages.
func (l *RWLock[T]) Capacity() int64 {
	return l.capacity
}

// releasingPermit — обёртка над семафором, которая помнит, сколько юнитов
// за ней числится, и возвращает их ровно один раз.
type releasingPermit struct {
	n        int64
	sem      sem.Semaphore
	acquired atomic.Bool
	released atomic.Bool
}

func (p *releasingPermit) acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.n); err != nil {
		if ctx.Err() != nil {
			// Отмена — штатный исход: семафор не оставил за нами
			// ни одного юнита.
			return err
		}
		// Семафор не закрывается на протяжении жизни замка, любая
		// другая ошибка означает нарушение внутреннего инварианта.
		panic(fmt.Sprintf("rwlock: semaphore acquire failed: %v", err))
	}
	p.acquired.Store(true)
	return nil
}

func (p *releasingPermit) release() {
	if !p.acquired.Load() {
		panic("rwlock: release of a permit that was never acquired")
	}
	if p.released.CompareAndSwap(false, true) {
		p.sem.Release(p.n)
	}
}

// A ReadGuard grants shared read-only access to the protected value. It is
// created by Read or TryRead and holds one permit unit until Release.
type ReadGuard[T any] struct {
	lock   *RWLock[T]
	permit *releasingPermit
}

// Get returns the protected value. It panics if the guard has been
// released.
func (g *ReadGuard[T]) Get() T {
	if g.permit.released.Load() {
		panic("rwlock: use of read guard after Release")
	}
	return g.lock.value
}

// Release returns the guard's unit to the lock, waking a waiter that can
// now be satisfied. Release is idempotent; only the first call has effect.
// The guard must not be used afterwards.
func (g *ReadGuard[T]) Release() {
	g.permit.release()
}

// A WriteGuard grants exclusive read-write access to the protected value.
// It is created by Write or TryWrite and holds all of the lock's permit
// units until Release, so no other guard can coexist with it.
type WriteGuard[T any] struct {
	lock   *RWLock[T]
	permit *releasingPermit
}

// Get returns the protected value. It panics if the guard has been
// released.
func (g *WriteGuard[T]) Get() T {
	if g.permit.released.Load() {
		panic("rwlock: use of write guard after Release")
	}
	return g.lock.value
}

// Set replaces the protected value. It panics if the guard has been
// released.
func (g *WriteGuard[T]) Set(value T) {
	if g.permit.released.Load() {
		panic("rwlock: use of write guard after Release")
	}
	g.lock.value = value
}

// Value returns a pointer to the protected value for in-place mutation.
// The pointer is valid only until Release and must not be retained past
// it. It panics if the guard has been released.
func (g *WriteGuard[T]) Value() *T {
	if g.permit.released.Load() {
		panic("rwlock: use of write guard after Release")
	}
	return &g.lock.value
}

// Release returns all of the lock's units, making the lock available to
// the next satisfiable waiter, reader or writer, in whatever order the
// underlying semaphore dictates. Release is idempotent; only the first
// call has effect. The guard must not be used afterwards.
func (g *WriteGuard[T]) Release() {
	g.permit.release()
}

// Package keyrwlock provides reader-writer locking keyed by string.
//
// Every key gets its own permit pool: up to capacity readers may hold a
// key at once, a writer holds it exclusively. Waiting is bounded by the
// caller's context.
package keyrwlock

import (
	"context"
	"sort"
	"sync"

	"gitlab.com/slon/rwlock/sem"
)

// KeyRWLock locks independent string keys for shared or exclusive access.
// The zero value is not usable; use New.
type KeyRWLock struct {
	capacity int64

	mu    sync.Mutex
	perms map[string]sem.Semaphore
}

// New creates a KeyRWLock. Capacity is the maximum number of concurrent
// readers per key and must be at least 1.
func New(capacity int64) *KeyRWLock {
	if capacity < 1 {
		panic("keyrwlock: capacity must be at least 1")
	}
	return &KeyRWLock{
		capacity: capacity,
		perms:    make(map[string]sem.Semaphore),
	}
}

// semFor возвращает пул юнитов ключа, создавая его при первом обращении.
// Пулы не удаляются: набор ключей считается ограниченным, как в map
// замков у вызывающего кода.
func (l *KeyRWLock) semFor(key string) sem.Semaphore {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.perms[key]
	if !ok {
		s = sem.NewWeighted(l.capacity)
		l.perms[key] = s
	}
	return s
}

// RLock locks key for shared read access. On success it returns an unlock
// function that must be called exactly once; repeated calls are no-ops.
// The only possible error is ctx.Err().
func (l *KeyRWLock) RLock(ctx context.Context, key string) (unlock func(), err error) {
	return l.lock(ctx, key, 1)
}

// Lock locks key for exclusive write access. On success it returns an
// unlock function that must be called exactly once; repeated calls are
// no-ops. The only possible error is ctx.Err().
func (l *KeyRWLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	return l.lock(ctx, key, l.capacity)
}

func (l *KeyRWLock) lock(ctx context.Context, key string, n int64) (func(), error) {
	s := l.semFor(key)
	if err := s.Acquire(ctx, n); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { s.Release(n) })
	}, nil
}

// LockKeys locks every key in keys for exclusive access in one call.
// Keys are taken in sorted order, so overlapping LockKeys calls cannot
// deadlock each other. If ctx is done mid-way, every unit already reserved
// is rolled back and the accounting is left exactly as before the call.
func (l *KeyRWLock) LockKeys(ctx context.Context, keys []string) (unlock func(), err error) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	taken := make([]sem.Semaphore, 0, len(sorted))
	release := func() {
		for _, s := range taken {
			s.Release(l.capacity)
		}
	}

	for _, key := range sorted {
		s := l.semFor(key)
		if err := s.Acquire(ctx, l.capacity); err != nil {
			// Откатываем уже захваченные ключи.
			release()
			return nil, err
		}
		taken = append(taken, s)
	}

	var once sync.Once
	return func() {
		once.Do(release)
	}, nil
}

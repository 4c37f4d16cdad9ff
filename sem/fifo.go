package sem

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// waiter описывает одного ожидающего в очереди.
// ready закрывается, когда юниты уже зарезервированы за ним.
type waiter struct {
	n     int64
	ready chan struct{}
}

// FIFO is a weighted semaphore with a strict first-in-first-out wait queue.
//
// Unlike NewWeighted, whose wakeup order is an implementation detail of
// x/sync, FIFO guarantees that waiters are granted units in arrival order:
// a waiter at the head of the queue blocks everyone behind it until its
// request fits. Abandoning a pending Acquire (via ctx) removes the waiter
// from the queue without disturbing the unit accounting; if the grant and
// the cancellation race and the grant wins, the units are reserved and the
// Acquire still succeeds.
type FIFO struct {
	capacity int64

	mu      sync.Mutex
	cur     int64 // занятые юниты
	waiters list.List
}

// NewFIFO creates a FIFO semaphore with the given capacity of units.
func NewFIFO(capacity int64) *FIFO {
	if capacity < 1 {
		panic("sem: capacity must be at least 1")
	}
	return &FIFO{capacity: capacity}
}

// Capacity returns the total number of units the semaphore manages.
func (s *FIFO) Capacity() int64 {
	return s.capacity
}

// Acquire reserves n units, waiting until they are available or ctx is done.
func (s *FIFO) Acquire(ctx context.Context, n int64) error {
	s.mu.Lock()
	if s.cur+n <= s.capacity && s.waiters.Len() == 0 {
		s.cur += n
		s.mu.Unlock()
		return nil
	}

	if n > s.capacity {
		// Запрос не выполним никогда, остаётся только ждать отмены.
		s.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}

	w := waiter{n: n, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Юниты успели зарезервировать за нами до отмены,
			// резервация остаётся в силе.
			s.mu.Unlock()
			return nil
		default:
		}
		front := s.waiters.Front() == elem
		s.waiters.Remove(elem)
		if front && s.cur < s.capacity {
			// Мы стояли в голове очереди и могли блокировать тех,
			// чьи запросы меньше нашего.
			s.notify()
		}
		s.mu.Unlock()
		return ctx.Err()
	case <-w.ready:
		return nil
	}
}

// TryAcquire reserves n units without waiting and reports whether it
// succeeded. It does not jump the queue: if anyone is waiting, it fails.
func (s *FIFO) TryAcquire(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur+n <= s.capacity && s.waiters.Len() == 0 {
		s.cur += n
		return true
	}
	return false
}

// Release returns n units to the pool and grants them to waiters in FIFO
// order. It panics if more units are released than are currently held.
func (s *FIFO) Release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur -= n
	if s.cur < 0 {
		panic(fmt.Sprintf("sem: released more units than held (capacity %d)", s.capacity))
	}
	s.notify()
}

// notify резервирует юниты за ожидающими с головы очереди,
// пока очередной запрос помещается. Вызывается под s.mu.
func (s *FIFO) notify() {
	for {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(waiter)
		if s.cur+w.n > s.capacity {
			return
		}
		s.cur += w.n
		s.waiters.Remove(front)
		close(w.ready)
	}
}

// Package redsem provides a distributed weighted semaphore on Redis and a
// reader-writer lock built on it.
//
// A holder's reservation is a Redis key <key>:<holder-id> whose value is
// the number of units held, with a TTL so the units of a dead process
// return automatically. A Lua script sums the units of live holders and
// reserves atomically.
package redsem

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
)

const (
	// TTL для robustness - автоматическое освобождение при смерти процесса
	holdTTL = time.Second

	refreshEvery = 300 * time.Millisecond
	retryEvery   = 10 * time.Millisecond
)

var acquireScript = redis.NewScript(`
	-- Ключ этого держателя уже существует: просто продлеваем TTL
	if redis.call('EXISTS', KEYS[2]) == 1 then
		redis.call('EXPIRE', KEYS[2], ARGV[3])
		return 0
	end

	-- Суммируем юниты живых держателей
	-- Важно: учитываем только ключи с положительным TTL
	local held = 0
	local cursor = "0"
	repeat
		local result = redis.call('SCAN', cursor, 'MATCH', KEYS[1] .. ":*", 'COUNT', 100)
		cursor = result[1]
		local keys = result[2]
		for i = 1, #keys do
			if redis.call('EXISTS', keys[i]) == 1 then
				local ttl = redis.call('TTL', keys[i])
				if ttl > 0 then
					held = held + tonumber(redis.call('GET', keys[i]))
				end
			end
		end
	until cursor == "0"

	if held + tonumber(ARGV[1]) > tonumber(ARGV[2]) then
		-- Свободных юнитов не хватает
		return 1
	end

	local created = redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[3], 'NX')
	if not created then
		return 1
	end

	-- Перепроверяем сумму: между подсчётом и SET мог вклиниться
	-- другой процесс
	local held2 = 0
	local cursor2 = "0"
	repeat
		local result2 = redis.call('SCAN', cursor2, 'MATCH', KEYS[1] .. ":*", 'COUNT', 100)
		cursor2 = result2[1]
		local keys2 = result2[2]
		for i = 1, #keys2 do
			if redis.call('EXISTS', keys2[i]) == 1 then
				local ttl2 = redis.call('TTL', keys2[i])
				if ttl2 > 0 then
					held2 = held2 + tonumber(redis.call('GET', keys2[i]))
				end
			end
		end
	until cursor2 == "0"

	if held2 > tonumber(ARGV[2]) then
		-- Превысили ёмкость, откатываем свою резервацию
		redis.call('DEL', KEYS[2])
		return 1
	end
	return 0
`)

// Semaphore is a weighted counting semaphore shared between processes
// through Redis.
type Semaphore struct {
	rdb   redis.UniversalClient
	clock clockwork.Clock
}

// New creates a Semaphore on top of rdb.
func New(rdb redis.UniversalClient) *Semaphore {
	return NewWithClock(rdb, clockwork.NewRealClock())
}

// NewWithClock creates a Semaphore with an injected clock for tests.
func NewWithClock(rdb redis.UniversalClient, clock clockwork.Clock) *Semaphore {
	return &Semaphore{rdb: rdb, clock: clock}
}

// Acquire reserves n units of the semaphore named key, whose total pool is
// capacity units. It polls until the reservation succeeds or ctx is done.
//
// On success it returns a release function that returns the units; release
// is idempotent. The units are also released automatically when ctx is
// cancelled, and by TTL if the process dies.
func (s *Semaphore) Acquire(
	ctx context.Context,
	key string,
	n, capacity int64,
) (release func() error, err error) {
	if n < 1 || n > capacity {
		return nil, fmt.Errorf("redsem: invalid unit count %d for capacity %d", n, capacity)
	}

	// Уникальный идентификатор держателя
	holderID := make([]byte, 16)
	if _, err := rand.Read(holderID); err != nil {
		return nil, err
	}
	holderKey := key + ":" + hex.EncodeToString(holderID)

	ttlSeconds := int64(holdTTL / time.Second)

	ticker := s.clock.NewTicker(retryEvery)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := acquireScript.Run(ctx, s.rdb,
			[]string{key, holderKey}, n, capacity, ttlSeconds).Int()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		if result == 0 {
			break
		}

		// Юнитов не хватает, ждём и пробуем снова
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.Chan():
		}
	}

	var releaseOnce sync.Once
	released := make(chan struct{})

	doRelease := func() {
		releaseOnce.Do(func() {
			close(released)
			_ = s.rdb.Del(context.Background(), holderKey).Err()
		})
	}

	// Горутина продления TTL, пока резервация жива
	go func() {
		ticker := s.clock.NewTicker(refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-released:
				return
			case <-ticker.Chan():
				_ = s.rdb.Expire(context.Background(), holderKey, holdTTL).Err()
			}
		}
	}()

	// Автоматическое освобождение при отмене контекста
	go func() {
		select {
		case <-ctx.Done():
			doRelease()
		case <-released:
		}
	}()

	return func() error {
		doRelease()
		return nil
	}, nil
}

// DistRWLock is a reader-writer lock shared between processes: readers
// reserve one unit of a Redis-backed semaphore, a writer reserves the
// whole capacity.
type DistRWLock struct {
	sem      *Semaphore
	key      string
	capacity int64
}

// NewDistRWLock creates a distributed reader-writer lock named key.
// Capacity is the maximum number of concurrent readers across all
// processes and must be at least 1. Every process must use the same key
// and capacity.
func NewDistRWLock(sem *Semaphore, key string, capacity int64) *DistRWLock {
	if capacity < 1 {
		panic("redsem: capacity must be at least 1")
	}
	return &DistRWLock{sem: sem, key: key, capacity: capacity}
}

// RLock locks the lock for shared read access.
func (l *DistRWLock) RLock(ctx context.Context) (release func() error, err error) {
	return l.sem.Acquire(ctx, l.key, 1, l.capacity)
}

// Lock locks the lock for exclusive write access.
func (l *DistRWLock) Lock(ctx context.Context) (release func() error, err error) {
	return l.sem.Acquire(ctx, l.key, l.capacity, l.capacity)
}

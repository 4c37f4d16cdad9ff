package keyrwlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestIndependentKeys(t *testing.T) {
	l := New(4)

	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	// Запись в "a" не мешает работе с "b".
	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)

	unlockA()
	unlockB()
}

func TestReadersSharedWritersExclusive(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(4)

	var unlocks []func()
	for i := 0; i < 4; i++ {
		unlock, err := l.RLock(context.Background(), "key")
		require.NoError(t, err)
		unlocks = append(unlocks, unlock)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := l.Lock(ctx, "key")
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	for _, unlock := range unlocks {
		unlock()
	}

	unlock, err := l.Lock(context.Background(), "key")
	require.NoError(t, err)
	unlock()
}

func TestUnlockIsIdempotent(t *testing.T) {
	l := New(2)

	unlock, err := l.Lock(context.Background(), "key")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = l.Lock(context.Background(), "key")
	require.NoError(t, err)
	unlock()
}

func TestLockKeysRollbackOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(2)

	// Держим "b": LockKeys(a, b) успеет взять "a" и должен его откатить.
	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err = l.LockKeys(ctx, []string{"b", "a"})
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// "a" не должен остаться захваченным.
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlockA()

	unlockB()
}

func TestLockKeysOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(1)

	done := make(chan struct{})
	unlock, err := l.LockKeys(context.Background(), []string{"x", "y"})
	require.NoError(t, err)

	go func() {
		defer close(done)
		// Пересекающийся набор в другом порядке не приводит к дедлоку.
		unlock, err := l.LockKeys(context.Background(), []string{"y", "x"})
		require.NoError(t, err)
		unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("overlapping LockKeys deadlocked")
	}
}

func TestValidation(t *testing.T) {
	require.Panics(t, func() { New(0) })
}

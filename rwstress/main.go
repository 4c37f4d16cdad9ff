// rwstress нагружает один RWLock читателями и писателями и на лету
// проверяет его инварианты: писатель никогда не живёт одновременно
// с кем-либо ещё, число читателей не превышает ёмкость замка.
//
//	rwstress --readers 64 --writers 4 --capacity 32 --duration 10s
package main

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/slon/rwlock/rwlock"
)

var (
	readers  = pflag.Int("readers", 64, "number of reader goroutines")
	writers  = pflag.Int("writers", 4, "number of writer goroutines")
	capacity = pflag.Int64("capacity", rwlock.DefaultCapacity, "lock capacity (max concurrent readers)")
	duration = pflag.Duration("duration", 10*time.Second, "how long to hammer the lock")
)

type stats struct {
	reads      atomic.Int64
	writes     atomic.Int64
	liveReads  atomic.Int64
	liveWrites atomic.Int64
	violations atomic.Int64
}

func main() {
	pflag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	l := rwlock.NewWithCapacity(int64(0), *capacity)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var st stats
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < *readers; i++ {
		g.Go(func() error {
			for {
				guard, err := l.Read(ctx)
				if err != nil {
					return nil // дедлайн, штатное завершение
				}
				live := st.liveReads.Add(1)
				if live > *capacity {
					st.violations.Add(1)
					logger.Error("reader count exceeds capacity", zap.Int64("live", live))
				}
				if st.liveWrites.Load() != 0 {
					st.violations.Add(1)
					logger.Error("reader observed a live writer")
				}
				_ = guard.Get()
				st.liveReads.Add(-1)
				guard.Release()
				st.reads.Add(1)
			}
		})
	}

	for i := 0; i < *writers; i++ {
		g.Go(func() error {
			for {
				guard, err := l.Write(ctx)
				if err != nil {
					return nil
				}
				if st.liveWrites.Add(1) != 1 {
					st.violations.Add(1)
					logger.Error("two writers are live at once")
				}
				if st.liveReads.Load() != 0 {
					st.violations.Add(1)
					logger.Error("writer observed a live reader")
				}
				*guard.Value()++
				st.liveWrites.Add(-1)
				guard.Release()
				st.writes.Add(1)
			}
		})
	}

	_ = g.Wait()

	guard, ok := l.TryWrite()
	if !ok {
		logger.Fatal("lock is not free after all workers stopped")
	}
	finalValue := guard.Get()
	guard.Release()

	logger.Info("done",
		zap.Int64("reads", st.reads.Load()),
		zap.Int64("writes", st.writes.Load()),
		zap.Int64("final_value", finalValue),
		zap.Int64("violations", st.violations.Load()),
	)
	if st.violations.Load() != 0 {
		os.Exit(1)
	}
}

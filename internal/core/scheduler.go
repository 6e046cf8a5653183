// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kianostad/segcompact/internal/concurrency/cancel"
	"github.com/kianostad/segcompact/internal/concurrency/generation"
)

// scheduler runs a tail compaction followed by a cleanup every interval.
type scheduler struct {
	store    *Store
	interval time.Duration
	stopping *cancel.Flag
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func newScheduler(store *Store, interval time.Duration) *scheduler {
	return &scheduler{
		store:    store,
		interval: interval,
		stopping: cancel.NewFlag(),
		done:     make(chan struct{}),
	}
}

func (sc *scheduler) Start() {
	sc.wg.Add(1)
	go sc.run()
}

// Stop cancels a running compaction and waits for the loop to exit.
func (sc *scheduler) Stop() {
	sc.once.Do(func() {
		sc.stopping.Cancel("store closing")
		close(sc.done)
	})
	sc.wg.Wait()
}

func (sc *scheduler) run() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.done:
			return
		}
	}
}

func (sc *scheduler) collect() {
	ctx := context.Background()
	res, err := sc.store.Compact(ctx, generation.Tail, sc.stopping)
	if err != nil {
		if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNoHead) {
			sc.store.log.WithError(err).Warn("scheduled compaction failed")
		}
		return
	}
	if res.Incomplete {
		return
	}
	if _, err := sc.store.Cleanup(ctx); err != nil && !errors.Is(err, ErrClosed) {
		sc.store.log.WithError(err).Warn("scheduled cleanup failed")
	}
}

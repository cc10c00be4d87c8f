package worker

import (
	"context"
	"sync/atomic"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/pkg/distlock"
	"github.com/ignite/email-verifier/internal/pkg/logger"
)

// Store is the external backlog: a batch fetch of pending records and a
// per-record result write.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]domain.Task, error)
	Commit(ctx context.Context, id domain.RecordID, result domain.Result) error
}

// Fetcher refills the queue from the store. At most one fetch is in
// flight per pool; with a cross-process lock, per backlog.
type Fetcher struct {
	store  Store
	queue  *Queue
	local  distlock.LocalLock
	remote distlock.DistLock
	log    *logger.Logger

	fetched int64
}

// NewFetcher creates a fetcher. remote may be nil for in-process exclusion only.
func NewFetcher(store Store, queue *Queue, remote distlock.DistLock) *Fetcher {
	return &Fetcher{
		store:  store,
		queue:  queue,
		remote: remote,
		log:    logger.With("component", "fetcher"),
	}
}

// Fetch pulls up to batchSize records into the queue and returns how many
// were enqueued. If another fetch holds the slot it returns 0 immediately.
// Store and lock errors are logged and reported as 0.
func (f *Fetcher) Fetch(ctx context.Context, batchSize int) int {
	if ok, _ := f.local.Acquire(ctx); !ok {
		return 0
	}
	defer f.local.Release(ctx)

	if f.remote != nil {
		ok, err := f.remote.Acquire(ctx)
		if err != nil {
			f.log.Warn("fetch lock unavailable", "error", err)
			return 0
		}
		if !ok {
			f.log.Debug("fetch slot held by another process")
			return 0
		}
		defer func() {
			if err := f.remote.Release(ctx); err != nil {
				f.log.Warn("fetch lock release failed", "error", err)
			}
		}()
	}

	tasks, err := f.store.FetchPending(ctx, batchSize)
	if err != nil {
		f.log.Error("fetch error", "error", err)
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	f.queue.Push(tasks...)
	atomic.AddInt64(&f.fetched, int64(len(tasks)))
	f.log.Info("fetched", "count", len(tasks), "queued", f.queue.Len())
	return len(tasks)
}

// Fetched returns the total number of tasks enqueued so far.
func (f *Fetcher) Fetched() int64 { return atomic.LoadInt64(&f.fetched) }

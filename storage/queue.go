package storage

import (
	"context"
	"sync"
)

// WriteQueue orders the asynchronous writes of one label volume.  Each write
// is applied only after the previously queued write has been applied, and
// Sync lets a reader wait for every write queued so far, so a read always
// sees the writes dispatched before it.
type WriteQueue struct {
	mu   sync.Mutex
	last chan struct{}
}

// Go queues apply behind earlier writes and returns a Future that finishes
// with its result.  The next queued write may proceed as soon as apply
// returns, before the Future's callbacks run.
func (q *WriteQueue) Go(apply func() error) *Future {
	q.mu.Lock()
	prev := q.last
	applied := make(chan struct{})
	q.last = applied
	q.mu.Unlock()

	return Go(func() error {
		defer close(applied)
		if prev != nil {
			<-prev
		}
		return apply()
	})
}

// Sync blocks until every write queued before the call has been applied or
// the context is done.
func (q *WriteQueue) Sync(ctx context.Context) error {
	q.mu.Lock()
	last := q.last
	q.mu.Unlock()
	if last == nil {
		return nil
	}
	select {
	case <-last:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

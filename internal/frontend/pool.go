package frontend

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// rpcPool bounds concurrent controller calls independently of request
// handling concurrency. Each call runs under its own timeout.
type rpcPool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func newRPCPool(size int, timeout time.Duration) *rpcPool {
	if size <= 0 {
		size = 8
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &rpcPool{sem: semaphore.NewWeighted(int64(size)), timeout: timeout}
}

// Do waits for a slot, then runs fn with a context bounded by the pool
// timeout. Time spent waiting counts against the same timeout.
func (p *rpcPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

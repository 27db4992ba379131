package reqcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// background tracks fire-and-forget work (cache refreshes) so shutdown can
// wait for it or abandon it. Work started after close is refused.
type background struct {
	ctx     context.Context
	abandon context.CancelFunc
	timeout time.Duration

	// bounds refreshes triggered by cache hits
	sem    *semaphore.Weighted
	flight singleflight.Group

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newBackground(maxRefresh int64, timeout time.Duration) *background {
	ctx, cancel := context.WithCancel(context.Background())
	return &background{
		ctx:     ctx,
		abandon: cancel,
		timeout: timeout,
		sem:     semaphore.NewWeighted(maxRefresh),
	}
}

func (b *background) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *background) release() { b.wg.Done() }

// taskContext is detached from any caller: caller cancellation never stops
// a refresh, only abandon does.
func (b *background) taskContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.ctx, b.timeout)
}

// Wait blocks until all tracked work finished.
func (b *background) Wait() { b.wg.Wait() }

// Close refuses new work and waits for tracked work until ctx is done, then
// abandons whatever is left and waits for it to unwind.
func (b *background) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.abandon()
		return nil
	case <-ctx.Done():
		b.abandon()
		<-done
		return ctx.Err()
	}
}

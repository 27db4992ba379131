package reqcache

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(url, body string) Request {
	return Request{Method: http.MethodPost, URL: url, Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(body)}
}

func TestMutatingRequestQueuedOnTransportFailure(t *testing.T) {
	f := newFakeFetcher()
	m := startedManager(t, testConfig(), f)

	resp, err := m.Handle(context.Background(), post(origin+"/api/contact", `{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, SourceQueued, resp.Source)

	tasks := m.Queue()
	require.Len(t, tasks, 1)
	assert.Equal(t, tasks[0].ID, resp.Header.Get(HeaderTask))
	assert.Equal(t, 1, tasks[0].Attempts)

	// writes never touch partitions
	infos, err := m.store.Partitions()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestMutatingRequestPassesThrough(t *testing.T) {
	f := newFakeFetcher()
	f.on(origin+"/api/contact", status(http.StatusCreated, "ok"))
	m := startedManager(t, testConfig(), f)

	for i := 0; i < 2; i++ {
		resp, err := m.Handle(context.Background(), post(origin+"/api/contact", "{}"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.Status)
		assert.Equal(t, SourceBypass, resp.Source)
	}
	assert.Empty(t, m.Queue())
	infos, err := m.store.Partitions()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestMutatingRequestDoesNotWaitForReady(t *testing.T) {
	f := newFakeFetcher()
	f.on(origin+"/api/contact", ok("sent"))
	m := newTestManager(t, testConfig(), f)

	resp, err := m.Handle(context.Background(), post(origin+"/api/contact", "{}"))
	require.NoError(t, err)
	assert.Equal(t, "sent", string(resp.Body))
}

func TestRetryDeliversExactlyOnce(t *testing.T) {
	f := newFakeFetcher()
	f.on(origin+"/api/contact", down(), down(), down(), status(http.StatusCreated, "ok"))
	m := startedManager(t, testConfig(), f)
	ctx := context.Background()

	_, err := m.Handle(ctx, post(origin+"/api/contact", `{"msg":"hi"}`))
	require.NoError(t, err)
	require.Len(t, m.Queue(), 1)

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Drain(ctx))
		require.Len(t, m.Queue(), 1)
	}
	assert.Equal(t, 3, m.Queue()[0].Attempts)

	require.NoError(t, m.Drain(ctx))
	assert.Empty(t, m.Queue())
	assert.Equal(t, 4, f.callCount(origin+"/api/contact"))

	require.NoError(t, m.Drain(ctx))
	assert.Equal(t, 4, f.callCount(origin+"/api/contact"))
}

func TestRetryBound(t *testing.T) {
	n := &recordingNotifier{}
	f := newFakeFetcher()
	m := startedManager(t, testConfig(), f, func(o *Options) { o.Notifier = n })
	ctx := context.Background()

	_, err := m.Handle(ctx, post(origin+"/api/contact", "{}"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Drain(ctx))
	}

	assert.Equal(t, 5, f.callCount(origin+"/api/contact"))
	assert.Empty(t, m.Queue())
	require.Len(t, n.exhausted, 1)
	assert.Equal(t, 5, n.exhausted[0].Attempts)
}

func newTestQueue(t *testing.T, backend Backend, f Fetcher, opts RetryOptions) *RetryQueue {
	t.Helper()
	q := NewRetryQueue(backend, f, &recordingNotifier{}, opts, zerolog.Nop())
	require.NoError(t, q.Load())
	return q
}

func TestRetryQueueDedupe(t *testing.T) {
	q := newTestQueue(t, newMemoryBackend(t), newFakeFetcher(), RetryOptions{DedupeWindow: 2 * time.Second})
	now := time.Unix(1000, 0)
	q.now = func() time.Time { return now }

	a, err := q.Enqueue(post(origin+"/api/contact", "same"))
	require.NoError(t, err)
	b, err := q.Enqueue(post(origin+"/api/contact", "same"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := q.Enqueue(post(origin+"/api/contact", "different"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)

	now = now.Add(3 * time.Second)
	d, err := q.Enqueue(post(origin+"/api/contact", "same"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, d.ID)
	assert.Equal(t, 3, q.Len())
}

func TestRetryQueueSurvivesRestart(t *testing.T) {
	backend := newMemoryBackend(t)
	q := newTestQueue(t, backend, newFakeFetcher(), RetryOptions{})
	a, err := q.Enqueue(post(origin+"/api/a", "1"))
	require.NoError(t, err)
	b, err := q.Enqueue(post(origin+"/api/b", "2"))
	require.NoError(t, err)

	q2 := newTestQueue(t, backend, newFakeFetcher(), RetryOptions{})
	tasks := q2.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, a.ID, tasks[0].ID)
	assert.Equal(t, b.ID, tasks[1].ID)
	assert.Equal(t, []byte("1"), tasks[0].Request.Body)

	c, err := q2.Enqueue(post(origin+"/api/c", "3"))
	require.NoError(t, err)
	assert.Greater(t, c.Seq, b.Seq)
}

func TestRetryQueueFailuresMoveToTail(t *testing.T) {
	f := newFakeFetcher()
	f.on(origin+"/api/b", ok("b"))
	q := newTestQueue(t, newMemoryBackend(t), f, RetryOptions{})

	_, err := q.Enqueue(post(origin+"/api/a", "1"))
	require.NoError(t, err)
	_, err = q.Enqueue(post(origin+"/api/b", "2"))
	require.NoError(t, err)
	_, err = q.Enqueue(post(origin+"/api/c", "3"))
	require.NoError(t, err)

	q.Drain(context.Background())
	tasks := q.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, origin+"/api/a", tasks[0].Request.URL)
	assert.Equal(t, origin+"/api/c", tasks[1].Request.URL)
	assert.Equal(t, 2, tasks[0].Attempts)
}

func TestRetryQueueSkipsPassWhileOffline(t *testing.T) {
	f := newFakeFetcher()
	online := false
	q := newTestQueue(t, newMemoryBackend(t), f, RetryOptions{Online: func() bool { return online }})
	_, err := q.Enqueue(post(origin+"/api/a", "1"))
	require.NoError(t, err)

	q.Drain(context.Background())
	assert.Zero(t, f.callCount(origin+"/api/a"))
	assert.Equal(t, 1, q.Tasks()[0].Attempts)
}

func TestRetryQueueDrainCoalesces(t *testing.T) {
	f := newFakeFetcher()
	f.on(origin+"/api/a", ok("a"))
	gate := make(chan struct{})
	f.gate = gate
	q := newTestQueue(t, newMemoryBackend(t), f, RetryOptions{})
	_, err := q.Enqueue(post(origin+"/api/a", "1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		q.Drain(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return f.callCount(origin+"/api/a") == 1 }, 2*time.Second, 5*time.Millisecond)

	// returns at once; the running drain picks it up
	q.Drain(context.Background())
	q.Drain(context.Background())
	close(gate)
	<-done

	assert.Equal(t, 1, f.callCount(origin+"/api/a"))
	assert.Zero(t, q.Len())
}

func TestRetryQueueNonTransportErrorDiscards(t *testing.T) {
	n := &recordingNotifier{}
	f := FetcherFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("malformed request")
	})
	q := NewRetryQueue(newMemoryBackend(t), f, n, RetryOptions{}, zerolog.Nop())
	_, err := q.Enqueue(post(origin+"/api/a", "1"))
	require.NoError(t, err)

	q.Drain(context.Background())
	assert.Zero(t, q.Len())
	assert.Len(t, n.exhausted, 1)
}

func TestConnectivityRestoredTriggersDrain(t *testing.T) {
	f := newFakeFetcher()
	f.on(origin+"/api/contact", down(), ok("ok"))
	m := startedManager(t, testConfig(), f)

	m.Connectivity().Set(false)
	_, err := m.Handle(context.Background(), post(origin+"/api/contact", "{}"))
	require.NoError(t, err)
	require.Len(t, m.Queue(), 1)

	m.Connectivity().Set(true)
	require.Eventually(t, func() bool { return len(m.Queue()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.callCount(origin+"/api/contact"))
}

type unsavableTasksBackend struct {
	Backend
	fail atomic.Bool
}

func (b *unsavableTasksBackend) PutTask(seq uint64, v []byte) error {
	if b.fail.Load() {
		return errors.New("disk full")
	}
	return b.Backend.PutTask(seq, v)
}

func TestRetryBoundHoldsWhenTasksCannotBeSaved(t *testing.T) {
	n := &recordingNotifier{}
	f := newFakeFetcher()
	backend := &unsavableTasksBackend{Backend: newMemoryBackend(t)}
	q := NewRetryQueue(backend, f, n, RetryOptions{}, zerolog.Nop())
	require.NoError(t, q.Load())

	_, err := q.Enqueue(post(origin+"/api/contact", "{}"))
	require.NoError(t, err)
	backend.fail.Store(true)

	for i := 0; i < 20; i++ {
		q.Drain(context.Background())
	}
	assert.Equal(t, 4, f.callCount(origin+"/api/contact"))
	assert.Zero(t, q.Len())
	require.Len(t, n.exhausted, 1)
	assert.Equal(t, 5, n.exhausted[0].Attempts)
}

func TestSingleAttemptBoundFailsInsteadOfQueueing(t *testing.T) {
	n := &recordingNotifier{}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	m := startedManager(t, cfg, newFakeFetcher(), func(o *Options) { o.Notifier = n })

	resp, err := m.Handle(context.Background(), post(origin+"/api/contact", "{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Empty(t, resp.Header.Get(HeaderTask))
	assert.Empty(t, m.Queue())
	assert.Len(t, n.exhausted, 1)
}

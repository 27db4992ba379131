package reqcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const origin = "https://example.com"

type fakeResult struct {
	resp Response
	err  error
}

func ok(body string) fakeResult {
	return fakeResult{resp: Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Source: SourceNetwork,
	}}
}

func status(code int, body string) fakeResult {
	r := ok(body)
	r.resp.Status = code
	return r
}

func down() fakeResult {
	return fakeResult{err: transportError(errors.New("connection refused"), "test")}
}

// fakeFetcher answers from per-URL scripts. The last scripted result of a
// URL repeats; unscripted URLs fail like a dead network.
type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fakeResult
	calls   []Request

	// gate, when set, holds every Fetch until it is closed or ctx is done.
	gate chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{scripts: map[string][]fakeResult{}}
}

func (f *fakeFetcher) on(url string, results ...fakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[url] = append(f.scripts[url], results...)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gate
	var res fakeResult
	script := f.scripts[req.URL]
	switch len(script) {
	case 0:
		res = down()
	case 1:
		res = script[0]
	default:
		res = script[0]
		f.scripts[req.URL] = script[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if res.err != nil {
		return Response{}, res.err
	}
	out := res.resp
	out.Header = cloneHeader(out.Header)
	return out, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.URL == url {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.Origin = origin
	cfg.Storage.Backend = "memory"
	return cfg
}

func newMemoryBackend(t *testing.T) Backend {
	t.Helper()
	b, err := OpenLevelDBMemory(0)
	require.NoError(t, err)
	return b
}

func newTestManager(t *testing.T, cfg Config, f Fetcher, opts ...func(*Options)) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	o := Options{
		Fetcher: f,
		Backend: newMemoryBackend(t),
		Logger:  &logger,
	}
	for _, fn := range opts {
		fn(&o)
	}
	m, err := New(cfg, o)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func startedManager(t *testing.T, cfg Config, f Fetcher, opts ...func(*Options)) *Manager {
	t.Helper()
	m := newTestManager(t, cfg, f, opts...)
	require.NoError(t, m.Start(context.Background()))
	return m
}

func get(url string) Request {
	return Request{Method: http.MethodGet, URL: url, Header: http.Header{}}
}

// waitBackground blocks until tracked refreshes are done.
func waitBackground(m *Manager) { m.bg.Wait() }

type recordingNotifier struct {
	mu          sync.Mutex
	exhausted   []RetryTask
	unavailable []Request
}

func (n *recordingNotifier) RetryExhausted(task RetryTask, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exhausted = append(n.exhausted, task)
}

func (n *recordingNotifier) ResourceUnavailable(req Request, class ResourceClass, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unavailable = append(n.unavailable, req)
}

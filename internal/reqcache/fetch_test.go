package reqcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Encoding", r.Header.Get("Accept-Encoding"))
		switch r.URL.Path {
		case "/echo":
			_, _ = w.Write(body)
		case "/moved":
			http.Redirect(w, r, "/echo", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	ctx := context.Background()

	resp, err := f.Fetch(ctx, Request{Method: http.MethodPost, URL: srv.URL + "/echo", Body: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "ping", string(resp.Body))
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	assert.Equal(t, "identity", resp.Header.Get("X-Encoding"))
	assert.Empty(t, resp.Header.Get("Content-Length"))

	// statuses are responses, not errors
	resp, err = f.Fetch(ctx, get(srv.URL+"/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.False(t, cacheable(resp))

	resp, err = f.Fetch(ctx, get(srv.URL+"/moved"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
}

func TestHTTPFetcherTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), get(url+"/x"))
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestHTTPFetcherCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPFetcher(5*time.Second).Fetch(ctx, get(srv.URL+"/slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsTransportError(err))
}

func TestCacheable(t *testing.T) {
	assert.True(t, cacheable(Response{Status: 200, Header: http.Header{}}))
	assert.True(t, cacheable(Response{Status: 204, Header: http.Header{"Cache-Control": {"max-age=0"}}}))
	assert.False(t, cacheable(Response{Status: 200, Header: http.Header{"Cache-Control": {"No-Store"}}}))
	assert.False(t, cacheable(Response{Status: 304, Header: http.Header{}}))
	assert.False(t, cacheable(Response{Status: 503, Header: http.Header{}}))
}

package reqcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs the network round trip. Transport failures must be
// reported as errors satisfying IsTransportError; any HTTP status, including
// 5xx, is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, transportError(err, r.URL)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		// a truncated body is a failed fetch, never a response
		return Response{}, transportError(err, r.URL)
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return Response{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     b,
		Source:   SourceNetwork,
		StoredAt: time.Now(),
	}, nil
}

// cacheable reports whether a network response may be stored.
func cacheable(resp Response) bool {
	if resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// RequestFromHTTP buffers r's body into a Request.
func RequestFromHTTP(r *http.Request) (Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return Request{}, err
		}
		_ = r.Body.Close()
		body = b
	}
	return Request{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: cloneHeader(r.Header),
		Body:   body,
	}, nil
}

package reqcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	// HeaderSource carries Response.Source on HTTP responses.
	HeaderSource = "X-Reqcache"
	// HeaderTask carries the retry task id of a queued request.
	HeaderTask = "X-Reqcache-Task"

	staleWarning = `110 - "Response is Stale"`
)

// RoundTrip lets the manager sit under an http.Client. Requests must carry
// absolute URLs.
func (m *Manager) RoundTrip(r *http.Request) (*http.Response, error) {
	req, err := RequestFromHTTP(r)
	if err != nil {
		return nil, err
	}
	resp, err := m.Handle(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return resp.HTTP(r), nil
}

// HTTP converts resp to an *http.Response answering r.
func (resp Response) HTTP(r *http.Request) *http.Response {
	h := cloneHeader(resp.Header)
	markHeaders(h, resp)
	body := resp.Body
	if r != nil && r.Method == http.MethodHead {
		body = nil
	}
	return &http.Response{
		Status:        strconv.Itoa(resp.Status) + " " + http.StatusText(resp.Status),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

func markHeaders(h http.Header, resp Response) {
	h.Set(HeaderSource, string(resp.Source))
	if resp.Degraded {
		h.Add("Warning", staleWarning)
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// Handler proxies every request to the configured origin through the cache.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.serveProxy)
}

func (m *Manager) serveProxy(w http.ResponseWriter, r *http.Request) {
	req, err := RequestFromHTTP(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.URL = m.cfg.ResolveURL(r.URL.RequestURI())
	stripHopHeaders(req.Header)

	resp, err := m.Handle(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, ErrResourceUnavailable):
		if fb, ok := m.Fallback(req); ok {
			fb.Status = http.StatusServiceUnavailable
			writeResponse(w, r, fb)
			return
		}
		http.Error(w, "offline", http.StatusGatewayTimeout)
		return
	case errors.Is(err, ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
		m.log.Warn().Err(err).Str("method", req.Method).Str("url", req.URL).Msg("proxy request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, r, resp)
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	stripHopHeaders(h)
	markHeaders(h, resp)
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

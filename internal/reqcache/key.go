package reqcache

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies a cached resource: method plus normalized absolute URL.
type CacheKey string

// NewCacheKey normalizes rawURL (scheme and host lower-cased, default port
// and fragment dropped, query sorted) and prefixes the method. Headers never
// take part in the key.
func NewCacheKey(method, rawURL string) (CacheKey, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("cache key needs an absolute url, got %q", rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if q := sortedQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return CacheKey(b.String()), nil
}

func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return strings.Join(out, "&")
}

// Method returns the method part of the key.
func (k CacheKey) Method() string {
	m, _, _ := strings.Cut(string(k), " ")
	return m
}

// URL returns the normalized url part of the key.
func (k CacheKey) URL() string {
	_, u, _ := strings.Cut(string(k), " ")
	return u
}

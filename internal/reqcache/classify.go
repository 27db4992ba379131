package reqcache

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

type classRule struct {
	class ResourceClass
	match func(method, p string, h http.Header) bool
}

// Classifier sorts requests into resource classes. Rules are tried in order
// and the first match wins; a request no rule matches is Unclassified.
type Classifier struct {
	rules []classRule
}

func NewClassifier(c ClassifyConfig) *Classifier {
	staticMarkers := trimAll(c.StaticPrefixes)
	staticExt := extSet(c.StaticExtensions)
	imageExt := extSet(c.ImageExtensions)
	apiPrefixes := trimAll(c.APIPrefixes)

	return &Classifier{rules: []classRule{
		{StaticAsset, func(_, p string, _ http.Header) bool {
			if containsAny(p, staticMarkers) {
				return true
			}
			_, ok := staticExt[extOf(p)]
			return ok
		}},
		{Image, func(_, p string, _ http.Header) bool {
			_, ok := imageExt[extOf(p)]
			return ok
		}},
		{APICall, func(_, p string, _ http.Header) bool {
			return hasAnyPrefix(p, apiPrefixes)
		}},
		{Document, func(method, _ string, h http.Header) bool {
			return method == http.MethodGet && acceptsHTML(h)
		}},
	}}
}

// Classify is total and deterministic. It looks only at the method, the
// URL path and the Accept header.
func (c *Classifier) Classify(req Request) ResourceClass {
	p := "/"
	if u, err := url.Parse(req.URL); err == nil && u.Path != "" {
		p = u.Path
	}
	method := strings.ToUpper(req.Method)
	for _, r := range c.rules {
		if r.match(method, p, req.Header) {
			return r.class
		}
	}
	return Unclassified
}

func acceptsHTML(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mt == "text/html" || mt == "application/xhtml+xml" {
				return true
			}
		}
	}
	return false
}

func extOf(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

func extSet(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out[e] = struct{}{}
		}
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(p string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(p, sub) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if strings.HasPrefix(p, pre) {
			return true
		}
	}
	return false
}

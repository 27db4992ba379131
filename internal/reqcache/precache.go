package reqcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

type precacheItem struct {
	req Request
	// partition is set for fallback entries, which always go to their own
	// partition regardless of class.
	partition string
}

type precacheReport struct {
	Stored  int
	Present int
	Failed  int
}

// precache seeds partitions before the manager reports Ready. Individual
// failures are logged and counted, never fatal.
func (m *Manager) precache(ctx context.Context) precacheReport {
	var items []precacheItem
	for _, u := range m.cfg.Precache.URLs {
		if u = m.cfg.ResolveURL(u); u != "" {
			items = append(items, precacheItem{req: Request{Method: http.MethodGet, URL: u, Header: http.Header{}}})
		}
	}
	for _, pc := range m.cfg.Partitions {
		if pc.Fallback == "" {
			continue
		}
		h := http.Header{}
		h.Set("Accept", "text/html")
		items = append(items, precacheItem{
			req:       Request{Method: http.MethodGet, URL: m.cfg.ResolveURL(pc.Fallback), Header: h},
			partition: pc.Name,
		})
	}
	if len(m.cfg.Precache.Sitemaps) > 0 {
		locs, err := m.discoverSitemapURLs(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("sitemap discovery incomplete")
		}
		for _, loc := range locs {
			h := http.Header{}
			h.Set("Accept", "text/html")
			items = append(items, precacheItem{req: Request{Method: http.MethodGet, URL: loc, Header: h}})
		}
	}

	var stored, present, failed atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, it := range items {
		eg.Go(func() error {
			switch m.precacheOne(ctx, it) {
			case precacheStored:
				stored.Add(1)
			case precachePresent:
				present.Add(1)
			case precacheFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	rep := precacheReport{Stored: int(stored.Load()), Present: int(present.Load()), Failed: int(failed.Load())}
	if len(items) > 0 {
		m.log.Info().Int("stored", rep.Stored).Int("present", rep.Present).Int("failed", rep.Failed).Msg("precache done")
	}
	return rep
}

type precacheResult int

const (
	precacheSkipped precacheResult = iota
	precacheStored
	precachePresent
	precacheFailed
)

func (m *Manager) precacheOne(ctx context.Context, it precacheItem) precacheResult {
	name := it.partition
	if name == "" {
		b, ok := m.table.Lookup(m.classifier.Classify(it.req))
		if !ok {
			return precacheSkipped
		}
		name = b.Partition
	}
	p, ok := m.dispatcher.partitions[name]
	if !ok {
		return precacheSkipped
	}
	key, err := NewCacheKey(it.req.Method, it.req.URL)
	if err != nil {
		m.log.Warn().Err(err).Str("url", it.req.URL).Msg("precache: bad url")
		return precacheFailed
	}
	// existing entries survived the sweep and are current
	if _, ok := m.store.Get(p, key); ok {
		return precachePresent
	}

	resp, err := m.fetcher.Fetch(ctx, it.req)
	if err != nil {
		m.log.Warn().Err(err).Str("url", it.req.URL).Msg("precache fetch failed")
		return precacheFailed
	}
	if !m.store.putLogged(p, key, resp, m.log) {
		m.log.Warn().Int("status", resp.Status).Str("url", it.req.URL).Msg("precache response not cacheable")
		return precacheFailed
	}
	return precacheStored
}

// discoverSitemapURLs walks the configured sitemaps, following sitemap
// indexes, and returns every page URL found.
func (m *Manager) discoverSitemapURLs(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var queue, out []string
	for _, sm := range m.cfg.Precache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, m.cfg.ResolveURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := m.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			queue = append(queue, m.cfg.ResolveURL(nested))
		}
		for _, loc := range doc.URLs {
			if u := m.cfg.ResolveURL(loc); u != "" {
				out = append(out, u)
			}
		}
		m.log.Debug().Str("sitemap", smURL).Int("urls", len(doc.URLs)).Int("nested", len(doc.Sitemaps)).Msg("sitemap parsed")
	}
	return out, nil
}

func (m *Manager) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := m.fetcher.Fetch(ctx, Request{Method: http.MethodGet, URL: sitemapURL, Header: http.Header{}})
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", resp.Status)
	}
	return parseSitemap(sitemapURL, resp.Body)
}

func parseSitemap(sitemapURL string, body []byte) (sitemapDoc, error) {
	// .gz sitemaps may arrive already decompressed, so trust the magic bytes
	// over the extension.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	doc.URLs = trimAll(doc.URLs)
	doc.Sitemaps = trimAll(doc.Sitemaps)
	return doc, nil
}

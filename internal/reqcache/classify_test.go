package reqcache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultConfig().Classify)

	html := http.Header{"Accept": {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"}}
	tests := []struct {
		name   string
		method string
		url    string
		header http.Header
		want   ResourceClass
	}{
		{"build output marker", "GET", "https://example.com/static/media/hero.jpg", nil, StaticAsset},
		{"nested build output marker", "GET", "https://example.com/assets/static/x.txt", nil, StaticAsset},
		{"marker is a whole segment", "GET", "https://example.com/staticky/x.txt", nil, Unclassified},
		{"script", "GET", "https://example.com/app.js", nil, StaticAsset},
		{"font upper case", "GET", "https://example.com/fonts/Inter.WOFF2", nil, StaticAsset},
		{"svg image", "GET", "https://example.com/logo.svg", nil, Image},
		{"image under api wins as image", "GET", "https://example.com/api/avatar.png", nil, Image},
		{"api", "GET", "https://example.com/api/submissions", nil, APICall},
		{"document", "GET", "https://example.com/about", html, Document},
		{"head is not a document", "HEAD", "https://example.com/about", html, Unclassified},
		{"json accept", "GET", "https://example.com/feed", http.Header{"Accept": {"application/json"}}, Unclassified},
		{"root", "GET", "https://example.com", nil, Unclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{Method: tt.method, URL: tt.url, Header: tt.header}
			got := c.Classify(req)
			assert.Equal(t, tt.want, got)
			// deterministic
			for i := 0; i < 3; i++ {
				assert.Equal(t, got, c.Classify(req))
			}
		})
	}
}

func TestClassifyUnparsableURLIsUnclassified(t *testing.T) {
	c := NewClassifier(DefaultConfig().Classify)
	assert.Equal(t, Unclassified, c.Classify(Request{Method: "GET", URL: "http://[::1"}))
}

func TestStrategyTableDefaults(t *testing.T) {
	table, err := NewStrategyTable(DefaultConfig())
	require.NoError(t, err)

	want := map[ResourceClass]StrategyBinding{
		StaticAsset:  {StaticAsset, "static", StaleWhileRevalidate},
		Image:        {Image, "images", CacheFirst},
		APICall:      {APICall, "dynamic", NetworkFirst},
		Document:     {Document, "pages", NetworkFirst},
		Unclassified: {Unclassified, "dynamic", StaleWhileRevalidate},
	}
	for class, b := range want {
		got, ok := table.Lookup(class)
		require.True(t, ok, class.String())
		assert.Equal(t, b, got)
	}
}

func TestStrategyTableUnboundClass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategies = []StrategyConfig{{Class: "image", Partition: "images", Strategy: "cache-first"}}
	table, err := NewStrategyTable(cfg)
	require.NoError(t, err)

	_, ok := table.Lookup(APICall)
	assert.False(t, ok)
}

func TestStrategyTableRejectsDuplicateClass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategies = append(cfg.Strategies, StrategyConfig{Class: "image", Partition: "images", Strategy: "network-first"})
	_, err := NewStrategyTable(cfg)
	require.Error(t, err)
}

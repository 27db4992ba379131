package reqcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	jmerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reqcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  origin: https://example.com/
generation: "2026-10-01"
storage:
  backend: sqlite
  path: /tmp/reqcache.db
  ram:
    max: 8m
partitions:
  - name: static
  - name: images
    generation: img-3
    fallback: /offline.svg
  - name: pages
    fallback: /offline.html
strategies:
  - class: static
    partition: static
    strategy: swr
  - class: image
    partition: images
    strategy: cache-first
  - class: document
    partition: pages
    strategy: network-first
janitor:
  every: 12h
  prefixes: [tmp-]
  maxEntryAge: 720h
retry:
  maxAttempts: 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://example.com", cfg.Server.Origin)
	assert.Equal(t, int64(8<<20), cfg.ramMax)
	assert.Equal(t, int64(1<<30), cfg.diskMax)
	assert.Equal(t, 12*time.Hour, cfg.Janitor.everyDur)
	assert.Equal(t, 720*time.Hour, cfg.Janitor.maxAgeDur)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.dedupeDur)
	assert.Equal(t, []Partition{
		{Name: "static", Generation: "2026-10-01"},
		{Name: "images", Generation: "img-3"},
		{Name: "pages", Generation: "2026-10-01"},
	}, cfg.CurrentPartitions())
	assert.Equal(t, "https://example.com/offline.html", cfg.ResolveURL(cfg.Partitions[2].Fallback))

	table, err := NewStrategyTable(cfg)
	require.NoError(t, err)
	_, ok := table.Lookup(APICall)
	assert.False(t, ok)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  origin: https://example.com\n")
	t.Setenv("REQCACHE_ORIGIN", "http://localhost:3000")
	t.Setenv("REQCACHE_GENERATION", "v7")
	t.Setenv("REQCACHE_BACKEND", "memory")
	t.Setenv("REQCACHE_PORT", "7000")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.Server.Origin)
	assert.Equal(t, "v7", cfg.Generation)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing origin", "generation: v1\n"},
		{"undeclared partition", "server: {origin: \"https://e.com\"}\nstrategies: [{class: image, partition: nope, strategy: cache-first}]\n"},
		{"unknown strategy", "server: {origin: \"https://e.com\"}\nstrategies: [{class: image, partition: images, strategy: lru}]\n"},
		{"unknown class", "server: {origin: \"https://e.com\"}\nstrategies: [{class: video, partition: images, strategy: cache-first}]\n"},
		{"duplicate partition", "server: {origin: \"https://e.com\"}\npartitions: [{name: a}, {name: a}]\n"},
		{"partition name with @", "server: {origin: \"https://e.com\"}\npartitions: [{name: a@b}]\n"},
		{"bad size", "server: {origin: \"https://e.com\"}\nstorage: {ram: {max: lots}}\n"},
		{"bad duration", "server: {origin: \"https://e.com\"}\njanitor: {every: daily}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, jmerrors.CodeInvalidConfig, jmerrors.GetCode(err))
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"512", 512},
		{"64k", 64 << 10},
		{"1.5mb", 3 << 19},
		{"2G", 2 << 30},
		{" 10 kb ", 10 << 10},
		{"2GiB", 2 << 30},
		{"3 mib", 3 << 20},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"", "b", "-1k", "ten", "infk", "k"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5mb", formatBytes(3<<19))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}

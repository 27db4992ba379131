//go:build linux

package reqcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadKBFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	require.NoError(t, os.WriteFile(path, []byte("Name:\treqcache\nVmRSS:\t   2048 kB\nVmSwap:\t      0 kB\nThreads:\t12\n"), 0o644))

	got, err := readKBFields(path, "VmRSS", "VmSwap", "Missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"VmRSS": 2 << 20, "VmSwap": 0}, got)
}

func TestReadProcMemory(t *testing.T) {
	mem, ok := readProcMemory()
	if !ok {
		t.Skip("/proc/self/status unavailable")
	}
	assert.Positive(t, mem.RSS)
	assert.LessOrEqual(t, mem.Anonymous, mem.RSS)
}

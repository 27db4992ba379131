//go:build linux

package reqcache

import (
	"os"
	"strconv"
	"strings"
)

// readProcMemory reads this process's memory from /proc/self/status, split
// into anonymous and file-backed pages via smaps_rollup when the kernel has it.
func readProcMemory() (procMemory, bool) {
	status, err := readKBFields("/proc/self/status", "VmRSS", "VmSwap")
	if err != nil || status["VmRSS"] == 0 {
		return procMemory{}, false
	}
	mem := procMemory{RSS: status["VmRSS"], Swap: status["VmSwap"]}
	if rollup, err := readKBFields("/proc/self/smaps_rollup", "Anonymous"); err == nil {
		if anon, ok := rollup["Anonymous"]; ok && anon <= mem.RSS {
			mem.Anonymous = anon
			mem.FileBacked = mem.RSS - anon
		}
	}
	return mem, true
}

// readKBFields picks the named "Key:   123 kB" lines out of a /proc file.
func readKBFields(path string, keys ...string) (map[string]uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make(map[string]uint64, len(keys))
	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || !want[k] {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "kB"))
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n << 10
	}
	return out, nil
}

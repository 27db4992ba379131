package reqcache

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// procMemory is the process memory footprint in bytes. Anonymous and
// FileBacked stay zero where the kernel does not split RSS.
type procMemory struct {
	RSS        uint64
	Anonymous  uint64
	FileBacked uint64
	Swap       uint64
}

// statsCollector tracks served body sizes for the periodic stats line.
type statsCollector struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.count.Add(1)
	s.total.Add(v)
	for {
		cur := s.min.Load()
		if v >= cur || s.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if v <= cur || s.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

type sizeSnapshot struct {
	Count uint64
	Min   uint64
	Avg   uint64
	Max   uint64
}

func (s *statsCollector) Snapshot() sizeSnapshot {
	count := s.count.Load()
	if count == 0 {
		return sizeSnapshot{}
	}
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return sizeSnapshot{
		Count: count,
		Min:   minv,
		Avg:   s.total.Load() / count,
		Max:   s.max.Load(),
	}
}

// statsLoop logs store usage and served sizes every interval until stop is
// closed.
func (m *Manager) statsLoop(every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.logStats(zerolog.InfoLevel)
		}
	}
}

func (m *Manager) logStats(level zerolog.Level) {
	st := m.store.Stats()
	ev := m.log.WithLevel(level).
		Int("ram_entries", st.RAMEntries).
		Str("ram", formatBytes(uint64(st.RAMBytes))).
		Str("disk", formatBytes(uint64(st.DiskBytes))).
		Int("queued", m.retry.Len())
	if ss := m.metrics.stats.Snapshot(); ss.Count > 0 {
		ev = ev.Str("resp_min", formatBytes(ss.Min)).
			Str("resp_avg", formatBytes(ss.Avg)).
			Str("resp_max", formatBytes(ss.Max))
	}
	if mem, ok := readProcMemory(); ok {
		ev = ev.Dict("mem", zerolog.Dict().
			Str("rss", formatBytes(mem.RSS)).
			Str("anon", formatBytes(mem.Anonymous)).
			Str("file", formatBytes(mem.FileBacked)).
			Str("swap", formatBytes(mem.Swap)))
	}
	ev.Msg("cache stats")
}

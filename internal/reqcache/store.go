package reqcache

import (
	"bytes"
	"errors"
	"hash/crc32"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Backend is durable storage for encoded entries and retry tasks.
//
// Implementations must be safe for concurrent use. They store opaque bytes;
// decoding and corruption handling live in PartitionStore.
type Backend interface {
	Get(p Partition, key CacheKey) ([]byte, bool, error)
	Put(p Partition, key CacheKey, b []byte) error
	Delete(p Partition, key CacheKey) error

	// Partitions lists every persisted partition, including empty ones.
	Partitions() ([]PartitionInfo, error)
	// DropPartition removes a partition and all of its entries.
	DropPartition(p Partition) error
	// Scan calls fn for each entry of p until fn returns false.
	Scan(p Partition, fn func(key CacheKey, b []byte) bool) error
	TotalSize() int64

	PutTask(seq uint64, b []byte) error
	DeleteTask(seq uint64) error
	// Tasks calls fn in ascending seq order until fn returns false.
	Tasks(fn func(seq uint64, b []byte) bool) error

	Close() error
}

// OpenBackend opens the backend named in cfg.Storage.
func OpenBackend(cfg Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case "leveldb":
		return OpenLevelDB(cfg.Storage.Path, cfg.diskMax)
	case "sqlite":
		return OpenSQLite(cfg.Storage.Path, cfg.diskMax)
	case "memory":
		return OpenLevelDBMemory(cfg.diskMax)
	}
	return nil, configError("storage.backend: unsupported %q", cfg.Storage.Backend)
}

const lockStripes = 256

// keyLocks serializes writers of the same (partition, key). Unrelated keys
// only contend when they hash to the same stripe.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(p Partition, key CacheKey) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.ID()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// PartitionStore owns every cached entry. Reads go through a RAM tier;
// writes go to the backend first and are serialized per key, last writer
// wins.
type PartitionStore struct {
	backend Backend
	ram     *ramCache
	locks   keyLocks
	log     zerolog.Logger

	overflowLog *rateLimitedLogger
	closed      atomic.Bool
}

func NewPartitionStore(backend Backend, ramMax int64, logger zerolog.Logger) *PartitionStore {
	return &PartitionStore{
		backend:     backend,
		ram:         newRAMCache(ramMax),
		log:         logger,
		overflowLog: newRateLimitedLogger(logger, time.Minute),
	}
}

// Get returns the entry for key. A corrupt stored entry is deleted and
// reported as a miss.
func (s *PartitionStore) Get(p Partition, key CacheKey) (CacheEntry, bool) {
	rk := ramKey(p, key)
	if ent, ok := s.ram.Get(rk); ok {
		return ent, true
	}

	// The refill must not race a Put of the same key, or RAM could keep
	// the older entry.
	unlock := s.locks.lock(p, key)
	b, ok, err := s.backend.Get(p, key)
	if err != nil {
		unlock()
		s.log.Warn().Err(err).Str("partition", p.ID()).Str("key", string(key)).Msg("store read failed, treating as miss")
		return CacheEntry{}, false
	}
	if !ok {
		unlock()
		return CacheEntry{}, false
	}
	ent, err := decodeEntry(b)
	if err != nil {
		unlock()
		s.purgeCorrupt(p, key, b, err)
		return CacheEntry{}, false
	}
	s.ramPut(rk, ent)
	unlock()
	return ent, true
}

// purgeCorrupt deletes the entry unless a writer replaced it since it was
// read.
func (s *PartitionStore) purgeCorrupt(p Partition, key CacheKey, seen []byte, cause error) {
	s.log.Error().Err(cause).Str("partition", p.ID()).Str("key", string(key)).Msg("corrupt entry, deleting")

	unlock := s.locks.lock(p, key)
	defer unlock()
	cur, ok, err := s.backend.Get(p, key)
	if err != nil || !ok || !bytes.Equal(cur, seen) {
		return
	}
	if err := s.backend.Delete(p, key); err != nil {
		s.log.Warn().Err(err).Str("partition", p.ID()).Str("key", string(key)).Msg("delete corrupt entry")
	}
	s.ram.Delete(ramKey(p, key))
}

// Put replaces the entry for ent.Key in p.
func (s *PartitionStore) Put(p Partition, ent CacheEntry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ent.Partition = p.Name
	ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	b, err := encodeEntry(ent)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(p, ent.Key)
	defer unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.backend.Put(p, ent.Key, b); err != nil {
		var ee *evictError
		if !errors.As(err, &ee) {
			return err
		}
		s.log.Warn().Err(err).Str("partition", p.ID()).Msg("disk eviction failed")
	}
	s.ramPut(ramKey(p, ent.Key), ent)
	return nil
}

// evictError is returned by a backend Put whose write committed but whose
// follow-up eviction failed.
type evictError struct{ err error }

func (e *evictError) Error() string { return "evict: " + e.err.Error() }
func (e *evictError) Unwrap() error { return e.err }

func (s *PartitionStore) ramPut(rk string, ent CacheEntry) {
	if n := s.ram.Put(rk, ent); n > 0 {
		s.overflowLog.Printf("RAM tier over budget, evicted %d entries", n)
	}
}

func (s *PartitionStore) Delete(p Partition, key CacheKey) error {
	unlock := s.locks.lock(p, key)
	defer unlock()
	s.ram.Delete(ramKey(p, key))
	return s.backend.Delete(p, key)
}

func (s *PartitionStore) Partitions() ([]PartitionInfo, error) {
	return s.backend.Partitions()
}

// DropPartition deletes p and every entry in it.
func (s *PartitionStore) DropPartition(p Partition) error {
	s.ram.DeletePrefix(p.ID() + "\x00")
	if err := s.backend.DropPartition(p); err != nil {
		return err
	}
	// a reader may have refilled RAM from the backend mid-drop
	s.ram.DeletePrefix(p.ID() + "\x00")
	return nil
}

// DeleteOlderThan removes entries of p stored before cutoff, and corrupt
// ones. It returns how many entries were removed.
func (s *PartitionStore) DeleteOlderThan(p Partition, cutoff time.Time) (int, error) {
	var stale []CacheKey
	err := s.backend.Scan(p, func(key CacheKey, b []byte) bool {
		ent, err := decodeEntry(b)
		if err != nil || ent.StoredAt < cutoff.UnixNano() {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, key := range stale {
		deleted, err := s.deleteIfOlder(p, key, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *PartitionStore) deleteIfOlder(p Partition, key CacheKey, cutoff time.Time) (bool, error) {
	unlock := s.locks.lock(p, key)
	defer unlock()
	b, ok, err := s.backend.Get(p, key)
	if err != nil || !ok {
		return false, err
	}
	if ent, err := decodeEntry(b); err == nil && ent.StoredAt >= cutoff.UnixNano() {
		// refreshed since the scan
		return false, nil
	}
	s.ram.Delete(ramKey(p, key))
	return true, s.backend.Delete(p, key)
}

type StoreStats struct {
	RAMEntries int
	RAMBytes   int64
	DiskBytes  int64
}

func (s *PartitionStore) Stats() StoreStats {
	return StoreStats{
		RAMEntries: s.ram.Len(),
		RAMBytes:   s.ram.TotalSize(),
		DiskBytes:  s.backend.TotalSize(),
	}
}

// Close rejects further writes and closes the backend.
func (s *PartitionStore) Close() error {
	for i := range s.locks.stripes {
		s.locks.stripes[i].Lock()
	}
	s.closed.Store(true)
	for i := range s.locks.stripes {
		s.locks.stripes[i].Unlock()
	}
	return s.backend.Close()
}

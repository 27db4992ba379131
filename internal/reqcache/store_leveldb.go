package reqcache

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p:<partition id>              partition registry
//	e:<partition id>\x00<key>     encoded entry
//	m:<partition id>\x00<key>     diskMeta
//	q:<seq big-endian>            retry task
const (
	prefixPartition = "p:"
	prefixEntry     = "e:"
	prefixMeta      = "m:"
	prefixTask      = "q:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type partitionMeta struct {
	UpdatedAt int64
}

type levelBackend struct {
	maxBytes int64

	db *leveldb.DB

	// dropMu keeps a Put's write and index update from interleaving with
	// a DropPartition.
	dropMu sync.RWMutex

	mu        sync.Mutex
	index     map[string]diskMeta // "<partition id>\x00<key>"
	parts     map[string]struct{}
	totalSize int64
}

// OpenLevelDB opens (or creates) a leveldb backend at path. maxBytes <= 0
// disables eviction.
func OpenLevelDB(path string, maxBytes int64) (Backend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newLevelBackend(db, maxBytes)
}

// OpenLevelDBMemory opens a non-durable leveldb backend, mostly for tests.
func OpenLevelDBMemory(maxBytes int64) (Backend, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelBackend(db, maxBytes)
}

func newLevelBackend(db *leveldb.DB, maxBytes int64) (*levelBackend, error) {
	d := &levelBackend{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		parts:    map[string]struct{}{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *levelBackend) loadIndex() error {
	idx := map[string]diskMeta{}
	var total int64

	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[k] = meta
		total += meta.Size
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	parts := map[string]struct{}{}
	pit := d.db.NewIterator(util.BytesPrefix([]byte(prefixPartition)), nil)
	for pit.Next() {
		parts[string(bytes.TrimPrefix(pit.Key(), []byte(prefixPartition)))] = struct{}{}
	}
	pit.Release()
	if err := pit.Error(); err != nil {
		return err
	}

	d.mu.Lock()
	d.index = idx
	d.parts = parts
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func compositeKey(p Partition, key CacheKey) string {
	return p.ID() + "\x00" + string(key)
}

func (d *levelBackend) Get(p Partition, key CacheKey) ([]byte, bool, error) {
	ck := compositeKey(p, key)
	b, err := d.db.Get([]byte(prefixEntry+ck), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	if meta, ok := d.index[ck]; ok {
		meta.LastAccess = time.Now().UnixNano()
		d.index[ck] = meta
	}
	d.mu.Unlock()
	return b, true, nil
}

func (d *levelBackend) Put(p Partition, key CacheKey, b []byte) error {
	ck := compositeKey(p, key)
	now := time.Now().UnixNano()
	meta := diskMeta{Size: int64(len(b)), LastAccess: now}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	pb, err := encodeGob(partitionMeta{UpdatedAt: now})
	if err != nil {
		return err
	}

	// The registry row rides in every batch so an entry is never written
	// without one, even right after a DropPartition.
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixPartition+p.ID()), pb)
	batch.Put([]byte(prefixEntry+ck), b)
	batch.Put([]byte(prefixMeta+ck), mb)

	d.dropMu.RLock()
	if err := d.db.Write(batch, nil); err != nil {
		d.dropMu.RUnlock()
		return err
	}
	d.mu.Lock()
	d.parts[p.ID()] = struct{}{}
	if old, ok := d.index[ck]; ok {
		d.totalSize -= old.Size
	}
	d.index[ck] = meta
	d.totalSize += meta.Size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()
	d.dropMu.RUnlock()

	if over {
		if err := d.evictSome(ck); err != nil {
			return &evictError{err}
		}
	}
	return nil
}

func (d *levelBackend) Delete(p Partition, key CacheKey) error {
	return d.deleteComposite(compositeKey(p, key))
}

func (d *levelBackend) deleteComposite(ck string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + ck))
	batch.Delete([]byte(prefixMeta + ck))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	d.mu.Lock()
	if meta, ok := d.index[ck]; ok {
		d.totalSize -= meta.Size
		delete(d.index, ck)
	}
	d.mu.Unlock()
	return nil
}

// evictSome drops the least recently accessed 10% of entries, sparing keep.
func (d *levelBackend) evictSome(keep string) error {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := (len(items) + 1) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		if err := d.deleteComposite(items[i].key); err != nil {
			return err
		}
	}
	return nil
}

func (d *levelBackend) Partitions() ([]PartitionInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byID := make(map[string]*PartitionInfo, len(d.parts))
	for id := range d.parts {
		p, ok := parsePartitionID(id)
		if !ok {
			continue
		}
		byID[id] = &PartitionInfo{Partition: p}
	}
	for ck, meta := range d.index {
		id, _, _ := strings.Cut(ck, "\x00")
		if info, ok := byID[id]; ok {
			info.Entries++
			info.Bytes += meta.Size
		}
	}
	out := make([]PartitionInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (d *levelBackend) DropPartition(p Partition) error {
	d.dropMu.Lock()
	defer d.dropMu.Unlock()

	id := p.ID()
	batch := new(leveldb.Batch)
	for _, prefix := range []string{prefixEntry, prefixMeta} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(prefix+id+"\x00")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	batch.Delete([]byte(prefixPartition + id))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.parts, id)
	for ck, meta := range d.index {
		if strings.HasPrefix(ck, id+"\x00") {
			d.totalSize -= meta.Size
			delete(d.index, ck)
		}
	}
	d.mu.Unlock()
	return nil
}

func (d *levelBackend) Scan(p Partition, fn func(key CacheKey, b []byte) bool) error {
	prefix := []byte(prefixEntry + p.ID() + "\x00")
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		key := CacheKey(bytes.TrimPrefix(it.Key(), prefix))
		if !fn(key, append([]byte(nil), it.Value()...)) {
			break
		}
	}
	return it.Error()
}

func (d *levelBackend) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func taskKey(seq uint64) []byte {
	k := make([]byte, len(prefixTask)+8)
	copy(k, prefixTask)
	binary.BigEndian.PutUint64(k[len(prefixTask):], seq)
	return k
}

func (d *levelBackend) PutTask(seq uint64, b []byte) error {
	return d.db.Put(taskKey(seq), b, nil)
}

func (d *levelBackend) DeleteTask(seq uint64) error {
	return d.db.Delete(taskKey(seq), nil)
}

func (d *levelBackend) Tasks(fn func(seq uint64, b []byte) bool) error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixTask)), nil)
	defer it.Release()
	for it.Next() {
		k := it.Key()
		if len(k) != len(prefixTask)+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(k[len(prefixTask):])
		if !fn(seq, append([]byte(nil), it.Value()...)) {
			break
		}
	}
	return it.Error()
}

func (d *levelBackend) Close() error {
	return d.db.Close()
}

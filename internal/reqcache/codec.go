package reqcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"net/http"
)

func encodeEntry(ent CacheEntry) ([]byte, error) {
	ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	return encodeGob(ent)
}

// decodeEntry fails with ErrPartitionCorrupt when the bytes do not decode or
// the body does not match its checksum.
func decodeEntry(b []byte) (CacheEntry, error) {
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %v", ErrPartitionCorrupt, err)
	}
	if crc32.ChecksumIEEE(ent.Body) != ent.Hash32 {
		return CacheEntry{}, fmt.Errorf("%w: body checksum mismatch for %s", ErrPartitionCorrupt, ent.Key)
	}
	return ent, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}

package reqcache

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CacheEntry is a stored response. Entries are replaced wholesale, never
// mutated in place.
type CacheEntry struct {
	Key       CacheKey
	Partition string
	Status    int
	Header    http.Header
	Body      []byte
	StoredAt  int64 // unix nanoseconds

	// Hash32 is the CRC32 of Body, checked on every decode.
	Hash32 uint32
}

// Partition is a named, versioned namespace of entries.
type Partition struct {
	Name       string
	Generation string
}

// ID is the physical identifier used by backends.
func (p Partition) ID() string { return p.Name + "@" + p.Generation }

func (p Partition) String() string { return p.ID() }

func parsePartitionID(id string) (Partition, bool) {
	i := strings.IndexByte(id, '@')
	if i <= 0 {
		return Partition{}, false
	}
	return Partition{Name: id[:i], Generation: id[i+1:]}, true
}

// PartitionInfo describes a persisted partition.
type PartitionInfo struct {
	Partition
	Entries int
	Bytes   int64
}

type ResourceClass int

const (
	Unclassified ResourceClass = iota
	StaticAsset
	Image
	APICall
	Document
)

var classNames = map[ResourceClass]string{
	Unclassified: "unclassified",
	StaticAsset:  "static",
	Image:        "image",
	APICall:      "api",
	Document:     "document",
}

func (c ResourceClass) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unclassified"
}

func ParseResourceClass(s string) (ResourceClass, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range classNames {
		if name == s {
			return c, nil
		}
	}
	return Unclassified, fmt.Errorf("unknown resource class %q", s)
}

type StrategyKind int

const (
	StaleWhileRevalidate StrategyKind = iota
	CacheFirst
	NetworkFirst
)

func (k StrategyKind) String() string {
	switch k {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "stale-while-revalidate"
	}
}

func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stale-while-revalidate", "swr":
		return StaleWhileRevalidate, nil
	case "cache-first":
		return CacheFirst, nil
	case "network-first":
		return NetworkFirst, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

type StrategyBinding struct {
	Class     ResourceClass
	Partition string
	Strategy  StrategyKind
}

// Request is the serializable shape of an outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Source tells where a Response came from. It is echoed in the X-Reqcache
// header.
type Source string

const (
	SourceHit      Source = "hit"
	SourceMiss     Source = "miss"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceNetwork  Source = "network"
	SourceBypass   Source = "bypass"
	SourceQueued   Source = "queued"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source

	// Degraded is set when a cached entry was served because the network
	// failed.
	Degraded bool
	StoredAt time.Time
}

// RetryTask is a mutating request waiting for connectivity.
type RetryTask struct {
	ID          string
	Request     Request
	Fingerprint string
	EnqueuedAt  int64 // unix nanoseconds
	Attempts    int
	Seq         uint64
}

func entryResponse(ent CacheEntry, src Source) Response {
	return Response{
		Status:   ent.Status,
		Header:   cloneHeader(ent.Header),
		Body:     ent.Body,
		Source:   src,
		StoredAt: time.Unix(0, ent.StoredAt),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

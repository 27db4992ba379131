package reqcache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Dispatcher runs the strategy bound to a request's class. It keeps no
// state between requests beyond what lives in the store.
type Dispatcher struct {
	store   *PartitionStore
	fetcher Fetcher
	table   *StrategyTable
	bg      *background
	metrics *metrics
	log     zerolog.Logger

	partitions map[string]Partition
	fallbacks  map[string]CacheKey

	dropLog *rateLimitedLogger
}

func newDispatcher(cfg Config, store *PartitionStore, fetcher Fetcher, table *StrategyTable, bg *background, m *metrics, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		fetcher:    fetcher,
		table:      table,
		bg:         bg,
		metrics:    m,
		log:        logger,
		partitions: map[string]Partition{},
		fallbacks:  map[string]CacheKey{},
		dropLog:    newRateLimitedLogger(logger, time.Minute),
	}
	for _, p := range cfg.CurrentPartitions() {
		d.partitions[p.Name] = p
	}
	for _, pc := range cfg.Partitions {
		if pc.Fallback == "" {
			continue
		}
		if key, err := NewCacheKey("GET", cfg.ResolveURL(pc.Fallback)); err == nil {
			d.fallbacks[pc.Name] = key
		}
	}
	return d
}

// Dispatch serves req according to the binding of class. An unbound class,
// or a URL that cannot be keyed, passes straight through without caching.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, class ResourceClass) (Response, error) {
	b, ok := d.table.Lookup(class)
	if !ok {
		return d.passthrough(ctx, req, class)
	}
	key, err := NewCacheKey(req.Method, req.URL)
	if err != nil {
		return d.passthrough(ctx, req, class)
	}
	p := d.partitions[b.Partition]

	var resp Response
	switch b.Strategy {
	case CacheFirst:
		resp, err = d.cacheFirst(ctx, req, p, key)
	case NetworkFirst:
		resp, err = d.networkFirst(ctx, req, p, key)
	default:
		resp, err = d.staleWhileRevalidate(ctx, req, p, key)
	}
	d.metrics.request(ctx, class, b.Strategy.String(), outcomeOf(resp, err))
	return resp, err
}

func (d *Dispatcher) passthrough(ctx context.Context, req Request, class ResourceClass) (Response, error) {
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if IsTransportError(err) {
			err = unavailable(CacheKey(req.Method+" "+req.URL), err)
		}
		d.metrics.request(ctx, class, "passthrough", outcomeOf(resp, err))
		return Response{}, err
	}
	resp.Source = SourceBypass
	d.metrics.request(ctx, class, "passthrough", outcomeOf(resp, nil))
	return resp, nil
}

func (d *Dispatcher) cacheFirst(ctx context.Context, req Request, p Partition, key CacheKey) (Response, error) {
	if ent, ok := d.store.Get(p, key); ok {
		return entryResponse(ent, SourceHit), nil
	}

	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if !IsTransportError(err) {
			return Response{}, err
		}
		if fb, ok := d.fallback(p); ok {
			out := entryResponse(fb, SourceFallback)
			out.Degraded = true
			return out, nil
		}
		return Response{}, unavailable(key, err)
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	d.store.putLogged(p, key, resp, d.log)
	resp.Source = SourceMiss
	return resp, nil
}

func (d *Dispatcher) networkFirst(ctx context.Context, req Request, p Partition, key CacheKey) (Response, error) {
	resp, err := d.fetcher.Fetch(ctx, req)
	if err == nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		d.store.putLogged(p, key, resp, d.log)
		resp.Source = SourceNetwork
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if !IsTransportError(err) {
		return Response{}, err
	}
	if ent, ok := d.store.Get(p, key); ok {
		out := entryResponse(ent, SourceStale)
		out.Degraded = true
		return out, nil
	}
	return Response{}, unavailable(key, err)
}

func (d *Dispatcher) staleWhileRevalidate(ctx context.Context, req Request, p Partition, key CacheKey) (Response, error) {
	if ent, ok := d.store.Get(p, key); ok {
		if d.bg.sem.TryAcquire(1) {
			ch := d.revalidate(req, p, key)
			go func() {
				<-ch
				d.bg.sem.Release(1)
			}()
		} else {
			d.dropLog.Printf("background refresh bound reached, skipping refresh of %s", key)
		}
		return entryResponse(ent, SourceHit), nil
	}

	// The caller waits on the same tracked fetch a hit would have started,
	// so leaving early does not cancel it.
	select {
	case r := <-d.revalidate(req, p, key):
		if r.Err != nil {
			if IsTransportError(r.Err) {
				return Response{}, unavailable(key, r.Err)
			}
			return Response{}, r.Err
		}
		resp := r.Val.(Response)
		resp.Header = cloneHeader(resp.Header)
		resp.Source = SourceMiss
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// revalidate fetches key in the background and stores a successful result.
// Concurrent calls for the same key share one fetch.
func (d *Dispatcher) revalidate(req Request, p Partition, key CacheKey) <-chan singleflight.Result {
	req.Header = cloneHeader(req.Header)
	return d.bg.flight.DoChan(p.ID()+"\x00"+string(key), func() (any, error) {
		if !d.bg.acquire() {
			return nil, ErrClosed
		}
		defer d.bg.release()

		ctx, cancel := d.bg.taskContext()
		defer cancel()
		resp, err := d.fetcher.Fetch(ctx, req)
		if err != nil {
			d.log.Debug().Err(err).Str("partition", p.ID()).Str("key", string(key)).Msg("background refresh failed")
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.store.putLogged(p, key, resp, d.log)
		return resp, nil
	})
}

func (d *Dispatcher) fallback(p Partition) (CacheEntry, bool) {
	key, ok := d.fallbacks[p.Name]
	if !ok {
		return CacheEntry{}, false
	}
	return d.store.Get(p, key)
}

// putLogged stores resp under key when it is cacheable. Store failures are
// logged; the caller already has its answer.
func (s *PartitionStore) putLogged(p Partition, key CacheKey, resp Response, logger zerolog.Logger) bool {
	if !cacheable(resp) {
		return false
	}
	ent := CacheEntry{
		Key:      key,
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     resp.Body,
		StoredAt: time.Now().UnixNano(),
	}
	if err := s.Put(p, ent); err != nil {
		if !errors.Is(err, ErrClosed) {
			logger.Error().Err(err).Str("partition", p.ID()).Str("key", string(key)).Msg("cache write failed")
		}
		return false
	}
	return true
}

func outcomeOf(resp Response, err error) string {
	switch {
	case errors.Is(err, ErrResourceUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case err != nil:
		return "error"
	}
	return string(resp.Source)
}

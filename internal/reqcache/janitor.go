package reqcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Janitor is the periodic cleanup that runs beside the generation sweep. It
// deletes partitions whose name carries a configured prefix and, when a
// maximum age is set, entries older than that age.
type Janitor struct {
	store    *PartitionStore
	prefixes []string
	maxAge   time.Duration
	metrics  *metrics
	log      zerolog.Logger
	now      func() time.Time
}

type JanitorReport struct {
	Partitions []Partition
	Entries    int
}

func NewJanitor(store *PartitionStore, prefixes []string, maxAge time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		prefixes: trimAll(prefixes),
		maxAge:   maxAge,
		log:      logger,
		now:      time.Now,
	}
}

func (j *Janitor) matches(name string) bool {
	return hasAnyPrefix(name, j.prefixes)
}

// Run performs one sweep. Errors are collected and the sweep continues;
// a failed sweep is simply retried on the next interval.
func (j *Janitor) Run(ctx context.Context) (JanitorReport, error) {
	var rep JanitorReport
	infos, err := j.store.Partitions()
	if err != nil {
		return rep, fmt.Errorf("list partitions: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	var errs []error
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p := info.Partition
		if j.matches(p.Name) {
			if err := j.store.DropPartition(p); err != nil {
				errs = append(errs, fmt.Errorf("drop partition %s: %w", p, err))
				continue
			}
			rep.Partitions = append(rep.Partitions, p)
			j.metrics.partitionDeleted(ctx, "janitor")
			j.log.Info().Str("partition", p.ID()).Msg("janitor deleted partition")
			continue
		}
		if j.maxAge <= 0 {
			continue
		}
		n, err := j.store.DeleteOlderThan(p, cutoff)
		rep.Entries += n
		if err != nil {
			errs = append(errs, fmt.Errorf("expire entries in %s: %w", p, err))
		}
	}
	if rep.Entries > 0 {
		j.log.Info().Int("entries", rep.Entries).Dur("max_age", j.maxAge).Msg("janitor expired entries")
	}
	return rep, errors.Join(errs...)
}

// loop runs the janitor every interval until ctx is done.
func (j *Janitor) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn().Err(err).Msg("janitor sweep incomplete")
			}
		}
	}
}

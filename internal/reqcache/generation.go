package reqcache

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// GenerationManager deletes every persisted partition whose (name,
// generation) pair is not part of the current deploy.
type GenerationManager struct {
	store   *PartitionStore
	current map[string]struct{}
	metrics *metrics
	log     zerolog.Logger
}

func NewGenerationManager(store *PartitionStore, current []Partition, logger zerolog.Logger) *GenerationManager {
	g := &GenerationManager{
		store:   store,
		current: make(map[string]struct{}, len(current)),
		log:     logger,
	}
	for _, p := range current {
		g.current[p.ID()] = struct{}{}
	}
	return g
}

// Sweep returns the partitions it deleted. An error means at least one
// obsolete partition is still on disk.
func (g *GenerationManager) Sweep(ctx context.Context) ([]Partition, error) {
	infos, err := g.store.Partitions()
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var obsolete []Partition
	for _, info := range infos {
		if _, ok := g.current[info.ID()]; !ok {
			obsolete = append(obsolete, info.Partition)
		}
	}
	sort.Slice(obsolete, func(i, j int) bool { return obsolete[i].ID() < obsolete[j].ID() })

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, p := range obsolete {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := g.store.DropPartition(p); err != nil {
				return fmt.Errorf("drop partition %s: %w", p, err)
			}
			g.metrics.partitionDeleted(ctx, "generation")
			g.log.Info().Str("partition", p.ID()).Msg("deleted obsolete partition")
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return obsolete, err
	}
	return obsolete, nil
}

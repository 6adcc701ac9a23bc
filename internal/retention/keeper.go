// Package retention implements the retention keeper: it enforces
// the configured database-size budget by pruning the oldest events,
// never touching anything still in the pending-notification set, and
// reclaiming the freed pages with an incremental vacuum.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kestrelhome/unifimon/internal/store"
)

const defaultSweepInterval = 5 * time.Minute

// Keeper runs on startup and then on a fixed timer, pruning until the
// database is back at or under Budget (in bytes).
type Keeper struct {
	Store  *store.Store
	Budget int64

	SweepInterval time.Duration
}

// Run blocks until ctx is cancelled, sweeping once immediately and then
// every SweepInterval.
func (k *Keeper) Run(ctx context.Context) error {
	interval := k.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}

	k.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.sweep(ctx)
		}
	}
}

func (k *Keeper) sweep(ctx context.Context) {
	stats, err := k.Store.GetStats(ctx)
	if err != nil {
		log.Printf("retention: get stats: %v", err)
		return
	}
	if stats.DBSizeBytes <= k.Budget {
		return
	}

	log.Printf("retention: database at %s, budget %s, pruning oldest events",
		humanize.Bytes(uint64(stats.DBSizeBytes)), humanize.Bytes(uint64(k.Budget)))

	pruned, err := k.Store.PruneUntilBelow(ctx, k.Budget)
	if err != nil {
		log.Printf("retention: prune: %v", err)
		return
	}
	if pruned == 0 {
		log.Printf("retention: nothing eligible to prune; all remaining events are pending notification")
		return
	}

	if err := k.Store.IncrementalVacuum(ctx); err != nil {
		log.Printf("retention: incremental vacuum: %v", err)
	}

	after, err := k.Store.GetStats(ctx)
	if err != nil {
		log.Printf("retention: get stats after prune: %v", err)
		return
	}
	log.Printf("retention: pruned %d events, database now %s", pruned, humanize.Bytes(uint64(after.DBSizeBytes)))
}

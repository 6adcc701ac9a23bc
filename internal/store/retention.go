package store

import "context"

// retentionBatchSize caps how many rows a single PruneUntilBelow pass
// deletes, so a large backlog is trimmed incrementally across several
// ticker intervals rather than locking the writer for one giant delete.
const retentionBatchSize = 500

// PruneUntilBelow deletes the oldest events, skipping any still pending
// notification, until GetStats().DBSizeBytes is at or under budgetBytes
// or there is nothing left eligible to delete. It returns the number of
// rows removed. Each non-empty batch is followed by PRAGMA
// incremental_vacuum, since auto_vacuum=INCREMENTAL only returns freed
// pages (and so only lowers page_count) on that explicit pragma.
func (s *Store) PruneUntilBelow(ctx context.Context, budgetBytes int64) (int, error) {
	total := 0
	for {
		stats, err := s.GetStats(ctx)
		if err != nil {
			return total, err
		}
		if stats.DBSizeBytes <= budgetBytes {
			return total, nil
		}

		n, err := s.pruneBatch(ctx, retentionBatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			// Nothing eligible left (everything remaining is pending
			// notification); further pruning would violate durability.
			return total, nil
		}
		if err := s.IncrementalVacuum(ctx); err != nil {
			return total, err
		}
	}
}

func (s *Store) pruneBatch(ctx context.Context, batch int) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapStoreErr("prune batch: begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE id IN (
			SELECT id FROM events
			WHERE NOT (classification = 'notify' AND notified = 0 AND notify_attempts < ?)
			ORDER BY timestamp ASC, id ASC
			LIMIT ?
		)
	`, s.maxAttempts, batch)
	if err != nil {
		return 0, wrapStoreErr("prune batch: exec", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStoreErr("prune batch: rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapStoreErr("prune batch: commit", err)
	}
	return int(n), nil
}

// IncrementalVacuum runs PRAGMA incremental_vacuum to actually return
// freed pages to the filesystem after a prune pass.
func (s *Store) IncrementalVacuum(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `PRAGMA incremental_vacuum`)
	return wrapStoreErr("incremental vacuum", err)
}

package store

import (
	"context"
	"database/sql"
	"errors"
)

// Rule maps an event_type to a classification ("notify", "ignored", or
// "suppressed"), persisted so it survives restarts. An absent rule means
// "unclassified".
type Rule struct {
	EventType      string
	Classification string
	CreatedAt      string
	UpdatedAt      string
}

// SetRule upserts the rule for eventType and atomically reclassifies
// every existing event of that type to match, so a rule change is
// retroactive rather than only affecting future events.
func (s *Store) SetRule(ctx context.Context, eventType, classification string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr("set rule: begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (event_type, classification)
		VALUES (?, ?)
		ON CONFLICT(event_type) DO UPDATE SET
			classification = excluded.classification,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, eventType, classification)
	if err != nil {
		return wrapStoreErr("set rule: upsert", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE events SET classification = ? WHERE event_type = ?
	`, classification, eventType)
	if err != nil {
		return wrapStoreErr("set rule: reclassify", err)
	}

	return wrapStoreErr("set rule: commit", tx.Commit())
}

// DeleteRule removes the rule for eventType and reverts every event of
// that type back to "unclassified", mirroring SetRule's retroactivity.
func (s *Store) DeleteRule(ctx context.Context, eventType string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr("delete rule: begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE event_type = ?`, eventType); err != nil {
		return wrapStoreErr("delete rule: exec", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET classification = 'unclassified' WHERE event_type = ?
	`, eventType); err != nil {
		return wrapStoreErr("delete rule: revert events", err)
	}

	return wrapStoreErr("delete rule: commit", tx.Commit())
}

// GetRule looks up the rule for eventType, returning sql.ErrNoRows
// unwrapped when absent.
func (s *Store) GetRule(ctx context.Context, eventType string) (Rule, error) {
	var r Rule
	err := s.conn.QueryRowContext(ctx, `
		SELECT event_type, classification, created_at, updated_at FROM rules WHERE event_type = ?
	`, eventType).Scan(&r.EventType, &r.Classification, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, err
		}
		return Rule{}, wrapStoreErr("get rule", err)
	}
	return r, nil
}

// ListRules returns every configured rule, ordered by event_type.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT event_type, classification, created_at, updated_at FROM rules ORDER BY event_type ASC
	`)
	if err != nil {
		return nil, wrapStoreErr("list rules", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.EventType, &r.Classification, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, wrapStoreErr("list rules: scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

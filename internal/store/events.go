package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Event is a single normalised, durably stored appliance event.
type Event struct {
	ID             string
	Source         string
	EventType      string
	Severity       string
	Summary        string
	Timestamp      int64
	Payload        string
	Classification string
	Notified       bool
	NotifyAttempts int
	CreatedAt      string
}

// InsertResult reports whether InsertEvent created a new row or found an
// existing one with the same id.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

// InsertEvent inserts ev, assigning classification by looking up
// ev.EventType in the rules table (defaulting to "unclassified" when no
// rule matches). If an event with the same id already exists the insert
// is a no-op and InsertEvent returns Duplicate, never an error:
// re-delivery of a known event id is expected, not exceptional.
// Either way the returned Event is the row as it now stands in the
// store, so a Duplicate return still reports the stored row's current
// classification rather than leaving the caller to issue a follow-up
// GetEvent inside a separate, non-atomic read.
func (s *Store) InsertEvent(ctx context.Context, ev Event) (Event, InsertResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, Duplicate, wrapStoreErr("insert event: begin tx", err)
	}
	defer tx.Rollback()

	if existing, err := scanEvent(tx.QueryRowContext(ctx, `
		SELECT id, source, event_type, severity, summary, timestamp,
		       payload, classification, notified, notify_attempts, created_at
		FROM events WHERE id = ?`, ev.ID)); err == nil {
		return existing, Duplicate, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Event{}, Duplicate, wrapStoreErr("insert event: check existing", err)
	}

	classification := ev.Classification
	if classification == "" {
		classification = "unclassified"
		var ruleClass string
		err := tx.QueryRowContext(ctx, `SELECT classification FROM rules WHERE event_type = ?`, ev.EventType).Scan(&ruleClass)
		switch {
		case err == nil:
			classification = ruleClass
		case errors.Is(err, sql.ErrNoRows):
			// no rule: stays unclassified
		default:
			return Event{}, Duplicate, wrapStoreErr("insert event: lookup rule", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, source, event_type, severity, summary, timestamp, payload, classification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Source, ev.EventType, ev.Severity, ev.Summary, ev.Timestamp, ev.Payload, classification)
	if err != nil {
		return Event{}, Duplicate, wrapStoreErr("insert event: exec", err)
	}

	inserted, err := scanEvent(tx.QueryRowContext(ctx, `
		SELECT id, source, event_type, severity, summary, timestamp,
		       payload, classification, notified, notify_attempts, created_at
		FROM events WHERE id = ?`, ev.ID))
	if err != nil {
		return Event{}, Duplicate, wrapStoreErr("insert event: reread", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, Duplicate, wrapStoreErr("insert event: commit", err)
	}
	return inserted, Inserted, nil
}

// scanEvent scans one events row out of row, normalising the stored
// integer notified column into a bool. Shared by every query that reads
// a full Event so the column list and scan order stay in one place.
func scanEvent(row *sql.Row) (Event, error) {
	var ev Event
	var notified int
	err := row.Scan(&ev.ID, &ev.Source, &ev.EventType, &ev.Severity, &ev.Summary,
		&ev.Timestamp, &ev.Payload, &ev.Classification, &notified, &ev.NotifyAttempts, &ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.Notified = notified != 0
	return ev, nil
}

// EventFilter narrows QueryEvents / CountEvents results. Zero-value fields
// mean "no constraint" on that dimension.
type EventFilter struct {
	Classifications []string
	EventTypes      []string
	Search          string
	Limit           int
	Offset          int
}

func (f EventFilter) whereClause() (string, []any) {
	var conds []string
	var args []any

	if len(f.Classifications) > 0 {
		conds = append(conds, "classification IN ("+placeholders(len(f.Classifications))+")")
		for _, c := range f.Classifications {
			args = append(args, c)
		}
	}
	if len(f.EventTypes) > 0 {
		conds = append(conds, "event_type IN ("+placeholders(len(f.EventTypes))+")")
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ", ")
}

// QueryEvents returns events matching f, newest-last (ordered by
// timestamp, id), using the FTS5 index for f.Search when available and
// falling back to substring LIKE matching otherwise.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	where, args := f.whereClause()

	var query string
	if f.Search != "" {
		if s.ftsAvailable {
			query = `
				SELECT e.id, e.source, e.event_type, e.severity, e.summary, e.timestamp,
				       e.payload, e.classification, e.notified, e.notify_attempts, e.created_at
				FROM events e
				JOIN events_fts ON events_fts.rowid = e.rowid
				WHERE events_fts MATCH ?`
			args = append([]any{f.Search}, args...)
		} else {
			query = `
				SELECT id, source, event_type, severity, summary, timestamp,
				       payload, classification, notified, notify_attempts, created_at
				FROM events
				WHERE (event_type LIKE ? OR summary LIKE ? OR source LIKE ? OR payload LIKE ?)`
			like := "%" + f.Search + "%"
			args = append([]any{like, like, like, like}, args...)
		}
		if where != "" {
			// strip leading " WHERE " since we already opened one above
			query += " AND " + strings.TrimPrefix(where, " WHERE ")
		}
	} else {
		query = `
			SELECT id, source, event_type, severity, summary, timestamp,
			       payload, classification, notified, notify_attempts, created_at
			FROM events` + where
	}

	query += " ORDER BY timestamp ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr("query events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var notified int
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.EventType, &ev.Severity, &ev.Summary,
			&ev.Timestamp, &ev.Payload, &ev.Classification, &notified, &ev.NotifyAttempts, &ev.CreatedAt); err != nil {
			return nil, wrapStoreErr("query events: scan", err)
		}
		ev.Notified = notified != 0
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("query events: rows", err)
	}
	return out, nil
}

// GetEvent fetches a single event by id, returning sql.ErrNoRows wrapped
// via unifierr when not found.
func (s *Store) GetEvent(ctx context.Context, id string) (Event, error) {
	ev, err := scanEvent(s.conn.QueryRowContext(ctx, `
		SELECT id, source, event_type, severity, summary, timestamp,
		       payload, classification, notified, notify_attempts, created_at
		FROM events WHERE id = ?`, id))
	if err != nil {
		return Event{}, wrapStoreErr("get event", err)
	}
	return ev, nil
}

// CountEvents returns the number of events matching f (Limit/Offset ignored).
func (s *Store) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	where, args := f.whereClause()
	query := `SELECT COUNT(*) FROM events` + where
	var n int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrapStoreErr("count events", err)
	}
	return n, nil
}

// EventTypeSummary is one row of the distinct event-type listing used by
// the rules-management UI to show which event types have been observed.
type EventTypeSummary struct {
	EventType      string
	Classification string
	Count          int
	LastSeen       int64
}

// ListEventTypes returns every event_type observed at least once, along
// with its current classification (from the event of that type with the
// latest timestamp) and a count.
func (s *Store) ListEventTypes(ctx context.Context) ([]EventTypeSummary, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT event_type,
		       (SELECT classification FROM events e2 WHERE e2.event_type = e.event_type
		        ORDER BY timestamp DESC, id DESC LIMIT 1) AS classification,
		       COUNT(*),
		       MAX(timestamp)
		FROM events e
		GROUP BY event_type
		ORDER BY event_type ASC
	`)
	if err != nil {
		return nil, wrapStoreErr("list event types", err)
	}
	defer rows.Close()

	var out []EventTypeSummary
	for rows.Next() {
		var r EventTypeSummary
		if err := rows.Scan(&r.EventType, &r.Classification, &r.Count, &r.LastSeen); err != nil {
			return nil, wrapStoreErr("list event types: scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarises store size and backlog for the status API and the
// retention keeper.
type Stats struct {
	EventCount    int
	PendingNotify int
	DBSizeBytes   int64
}

// GetStats computes current Stats. DBSizeBytes is derived from
// PRAGMA page_count * PRAGMA page_size, matching the file's true on-disk
// footprint including WAL pages not yet checkpointed.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.EventCount); err != nil {
		return Stats{}, wrapStoreErr("stats: event count", err)
	}
	if err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE classification = 'notify' AND notified = 0 AND notify_attempts < ?
	`, s.maxAttempts).Scan(&st.PendingNotify); err != nil {
		return Stats{}, wrapStoreErr("stats: pending notify", err)
	}

	var pageCount, pageSize int64
	if err := s.conn.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return Stats{}, wrapStoreErr("stats: page_count", err)
	}
	if err := s.conn.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return Stats{}, wrapStoreErr("stats: page_size", err)
	}
	st.DBSizeBytes = pageCount * pageSize
	return st, nil
}

package store

import "context"

// defaultMaxNotifyAttempts is the number of failed delivery attempts
// after which an event is considered dead-lettered and excluded from
// both the pending set and GetStats's PendingNotify, used unless config's
// "max notification retries" overrides it via SetMaxNotifyAttempts.
const defaultMaxNotifyAttempts = 8

// PendingNotifications returns events classified "notify" that have not
// yet been successfully delivered and have not exhausted their retry
// budget, ordered oldest-first so delivery preserves arrival order.
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, source, event_type, severity, summary, timestamp,
		       payload, classification, notified, notify_attempts, created_at
		FROM events
		WHERE classification = 'notify' AND notified = 0 AND notify_attempts < ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`, s.maxAttempts, limit)
	if err != nil {
		return nil, wrapStoreErr("pending notifications", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var notified int
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.EventType, &ev.Severity, &ev.Summary,
			&ev.Timestamp, &ev.Payload, &ev.Classification, &notified, &ev.NotifyAttempts, &ev.CreatedAt); err != nil {
			return nil, wrapStoreErr("pending notifications: scan", err)
		}
		ev.Notified = notified != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkNotified records a successful delivery of id, counting that
// delivery as one attempt.
func (s *Store) MarkNotified(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE events SET notified = 1, notify_attempts = notify_attempts + 1 WHERE id = ?`, id)
	return wrapStoreErr("mark notified", err)
}

// BumpNotifyAttempts increments id's attempt counter after a failed
// delivery, so it eventually crosses the retry budget and is dropped
// from the pending set rather than retried forever.
func (s *Store) BumpNotifyAttempts(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE events SET notify_attempts = notify_attempts + 1 WHERE id = ?`, id)
	return wrapStoreErr("bump notify attempts", err)
}

// MaxNotifyAttempts exposes defaultMaxNotifyAttempts to other packages
// and tests that don't have a *Store handy. Use s.MaxAttempts() to read
// a specific Store's (possibly overridden) budget.
func MaxNotifyAttempts() int { return defaultMaxNotifyAttempts }

// MaxAttempts returns this Store's configured notification retry budget.
func (s *Store) MaxAttempts() int { return s.maxAttempts }

// DeadLetteredCount returns the number of notify-classified events that
// exhausted their retry budget without ever being delivered, per the
// status API's notification status surface.
func (s *Store) DeadLetteredCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE classification = 'notify' AND notified = 0 AND notify_attempts >= ?
	`, s.maxAttempts).Scan(&n)
	if err != nil {
		return 0, wrapStoreErr("dead lettered count", err)
	}
	return n, nil
}

// RecentNotifyLog returns the limit most recently touched notify-eligible
// events (delivered, retrying, or dead-lettered), newest first, for the
// status API's last-N attempts log.
func (s *Store) RecentNotifyLog(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, source, event_type, severity, summary, timestamp,
		       payload, classification, notified, notify_attempts, created_at
		FROM events
		WHERE classification = 'notify' AND notify_attempts > 0
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrapStoreErr("recent notify log", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var notified int
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.EventType, &ev.Severity, &ev.Summary,
			&ev.Timestamp, &ev.Payload, &ev.Classification, &notified, &ev.NotifyAttempts, &ev.CreatedAt); err != nil {
			return nil, wrapStoreErr("recent notify log: scan", err)
		}
		ev.Notified = notified != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"fmt"
	"time"
)

// EventRow is one persisted logical event. Data is raw JSON.
type EventRow struct {
	ID   int64
	Kind string
	Time time.Time
	Data []byte
}

// AppendEvent inserts an event and returns its id. Ids are monotonic in insert order.
func (s *Store) AppendEvent(ctx context.Context, kind string, at time.Time, data []byte) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO event_log (kind, time, data) VALUES ($1, $2, $3) RETURNING id`, kind, at, data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

// EventsAfter returns events with id > afterID and, when since is non-zero,
// time > since, in id order.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, since time.Time, limit int) ([]EventRow, error) {
	q := `SELECT id, kind, time, data FROM event_log WHERE id > $1`
	args := []any{afterID}
	if !since.IsZero() {
		q += ` AND time > $2`
		args = append(args, since)
	}
	q += fmt.Sprintf(` ORDER BY id LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.ID, &r.Kind, &r.Time, &r.Data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastEventID returns the highest event id, or 0 when the log is empty.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM event_log`).Scan(&id)
	return id, err
}

package db

import (
	"context"
	"fmt"
)

// IncrementStorm adds by to the (date, kind) counter and returns the new value.
// date is a civil date in YYYY-MM-DD form.
func (s *Store) IncrementStorm(ctx context.Context, date, kind string, by int64) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO storm (date, kind, count) VALUES ($1::date, $2, $3)
		ON CONFLICT (date, kind) DO UPDATE SET count = storm.count + EXCLUDED.count
		RETURNING count`, date, kind, by).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment storm %s/%s: %w", date, kind, err)
	}
	return n, nil
}

// GetStorm reads a counter; a missing row reads as zero.
func (s *Store) GetStorm(ctx context.Context, date, kind string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM storm WHERE date = $1::date AND kind = $2`, date, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("get storm %s/%s: %w", date, kind, err)
	}
	return n, nil
}

// SumStorm adds the counters of several kinds for one date.
func (s *Store) SumStorm(ctx context.Context, date string, kinds []string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM storm WHERE date = $1::date AND kind = ANY($2)`, date, kinds).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum storm %s: %w", date, err)
	}
	return n, nil
}

// StormByDate returns every counter recorded for date.
func (s *Store) StormByDate(ctx context.Context, date string) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT kind, count FROM storm WHERE date = $1::date`, date)
	if err != nil {
		return nil, fmt.Errorf("storm by date %s: %w", date, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// Package storm keeps day-bucketed counters of channel events. The bucket is
// the civil date in the configured timezone, computed on every call, so a new
// day starts from zero without any rollover task.
package storm

import (
	"context"
	"time"
)

// Combined lists the kinds summed by Combined.
var Combined = []string{"twitch-subscription", "twitch-resubscription", "patreon-pledge"}

// Store is the subset of *db.Store the counter needs.
type Store interface {
	IncrementStorm(ctx context.Context, date, kind string, by int64) (int64, error)
	GetStorm(ctx context.Context, date, kind string) (int64, error)
	SumStorm(ctx context.Context, date string, kinds []string) (int64, error)
	StormByDate(ctx context.Context, date string) (map[string]int64, error)
}

type Counter struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

// New returns a Counter bucketing by loc. A nil now uses time.Now.
func New(store Store, loc *time.Location, now func() time.Time) *Counter {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Counter{store: store, loc: loc, now: now}
}

// Date returns today's bucket as YYYY-MM-DD.
func (c *Counter) Date() string {
	return c.now().In(c.loc).Format(time.DateOnly)
}

// Increment adds by to today's kind counter and returns the new value.
func (c *Counter) Increment(ctx context.Context, kind string, by int64) (int64, error) {
	return c.store.IncrementStorm(ctx, c.Date(), kind, by)
}

// Get reads today's kind counter.
func (c *Counter) Get(ctx context.Context, kind string) (int64, error) {
	return c.store.GetStorm(ctx, c.Date(), kind)
}

// Combined sums today's subscription kinds.
func (c *Counter) Combined(ctx context.Context) (int64, error) {
	return c.store.SumStorm(ctx, c.Date(), Combined)
}

// Today returns every counter recorded today.
func (c *Counter) Today(ctx context.Context) (map[string]int64, error) {
	return c.store.StormByDate(ctx, c.Date())
}

package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CounterStore persists per-period token counters. Implemented by the
// sessions store backends.
type CounterStore interface {
	LoadCounter(ctx context.Context, appID, userID, period string) (int64, error)
	SaveCounter(ctx context.Context, appID, userID, period string, used int64) error
}

// PeriodKey returns the monthly accounting period for a point in time.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Counters tracks token consumption per (app_id, user_id, period) with lazy
// reset: the first access in a new period starts a fresh counter.
type Counters struct {
	store  CounterStore
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int64
	period string
}

// NewCounters builds a counter set over an optional persistent store.
func NewCounters(store CounterStore, logger *slog.Logger) *Counters {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counters{
		store:  store,
		logger: logger,
		counts: map[string]int64{},
		period: PeriodKey(time.Now()),
	}
}

func counterKey(appID, userID string) string {
	return appID + ":" + userID
}

// rollover clears in-memory counters when the period changed. Caller holds mu.
func (c *Counters) rollover(now time.Time) {
	period := PeriodKey(now)
	if period != c.period {
		c.counts = map[string]int64{}
		c.period = period
	}
}

// loadLocked returns the current-period count for the key, hydrating it from
// the persistent store on first touch. Caller holds mu.
func (c *Counters) loadLocked(ctx context.Context, appID, userID, key string) int64 {
	if v, ok := c.counts[key]; ok {
		return v
	}
	var used int64
	if c.store != nil {
		v, err := c.store.LoadCounter(ctx, appID, userID, c.period)
		if err != nil {
			c.logger.Warn("load usage counter failed", "app_id", appID, "error", err)
		} else {
			used = v
		}
	}
	c.counts[key] = used
	return used
}

// Used returns the tokens consumed in the current period, loading the
// persisted value on first access.
func (c *Counters) Used(ctx context.Context, appID, userID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(time.Now())
	return c.loadLocked(ctx, appID, userID, counterKey(appID, userID))
}

// Add increments the counter and persists the new value best-effort. The
// first increment of a period hydrates from the store so a restart does not
// reset accumulated usage.
func (c *Counters) Add(ctx context.Context, appID, userID string, tokens int64) int64 {
	c.mu.Lock()
	c.rollover(time.Now())
	key := counterKey(appID, userID)
	used := c.loadLocked(ctx, appID, userID, key) + tokens
	c.counts[key] = used
	period := c.period
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveCounter(ctx, appID, userID, period, used); err != nil {
			c.logger.Warn("persist usage counter failed", "app_id", appID, "error", err)
		}
	}
	return used
}

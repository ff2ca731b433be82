package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/metrics"
)

// TotalsSource produces the expensive platform-wide fold.
type TotalsSource interface {
	Overview(ctx context.Context) (*ledger.Totals, error)
}

// Overview caches the platform-wide totals behind a TTL. Readers share one
// regeneration via singleflight so a burst of cold reads folds the ledger
// once, not once per request.
type Overview struct {
	ttl    time.Duration
	source TotalsSource

	mu        sync.RWMutex
	value     *ledger.Totals
	refreshed time.Time

	group singleflight.Group
}

func NewOverview(source TotalsSource, ttl time.Duration) *Overview {
	return &Overview{ttl: ttl, source: source}
}

func (c *Overview) fresh() (*ledger.Totals, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil || time.Since(c.refreshed) > c.ttl {
		return nil, false
	}
	return c.value, true
}

func (c *Overview) Get(ctx context.Context) (*ledger.Totals, error) {
	if v, ok := c.fresh(); ok {
		return v, nil
	}

	v, err, _ := c.group.Do("overview", func() (interface{}, error) {
		// A concurrent caller may have refreshed while we queued.
		if v, ok := c.fresh(); ok {
			return v, nil
		}
		totals, err := c.source.Overview(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = totals
		c.refreshed = time.Now()
		c.mu.Unlock()
		metrics.OverviewRebuildsTotal.Inc()
		return totals, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ledger.Totals), nil
}

// Invalidate drops the cached value; the next read regenerates.
func (c *Overview) Invalidate() {
	c.mu.Lock()
	c.value = nil
	c.mu.Unlock()
}

package matrix

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"courierdispatch/internal/geo"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/model"
)

// Cached wraps a Provider with a short-TTL cache keyed by rounded
// coordinates. Identical concurrent requests share one upstream call.
type Cached struct {
	next      Provider
	cache     Cache
	ttl       time.Duration
	precision int
	group     singleflight.Group
}

func NewCached(next Provider, cache Cache, ttl time.Duration, precision int) *Cached {
	return &Cached{next: next, cache: cache, ttl: ttl, precision: precision}
}

func (c *Cached) GetMatrix(ctx context.Context, points []model.GeoPoint) (*Matrix, error) {
	if err := validatePoints(points); err != nil {
		return nil, err
	}
	key := geo.Key(points, c.precision)
	if m, ok := c.cache.Get(ctx, key); ok && m.Check(len(points)) == nil {
		metrics.MatrixCache.WithLabelValues("hit").Inc()
		return m, nil
	}
	metrics.MatrixCache.WithLabelValues("miss").Inc()

	ch := c.group.DoChan(key, func() (any, error) {
		// The shared call outlives a cancelled waiter but keeps its deadline.
		shared := context.WithoutCancel(ctx)
		if dl, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			shared, cancel = context.WithDeadline(shared, dl)
			defer cancel()
		}
		m, err := c.next.GetMatrix(shared, points)
		if err != nil {
			return nil, err
		}
		if err := m.Check(len(points)); err != nil {
			return nil, err
		}
		setCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer done()
		c.cache.Set(setCtx, key, m, c.ttl)
		return m, nil
	})
	select {
	case <-ctx.Done():
		return nil, contextError(ctx)
	case res := <-ch:
		if res.Shared {
			metrics.MatrixCache.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Matrix).Clone(), nil
	}
}

package matrix

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"courierdispatch/internal/model"
)

type countingProvider struct {
	calls int32
	delay time.Duration
	err   error
}

func (p *countingProvider) GetMatrix(ctx context.Context, points []model.GeoPoint) (*Matrix, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return StraightLine{SpeedKph: 30}.GetMatrix(ctx, points)
}

func TestCached_HitsOnRoundedCoordinates(t *testing.T) {
	next := &countingProvider{}
	c := NewCached(next, NewMemoryCache(16), time.Minute, 4)
	a := []model.GeoPoint{{Lat: 37.56651, Lng: 126.97801}, {Lat: 37.5, Lng: 127}}
	b := []model.GeoPoint{{Lat: 37.56649, Lng: 126.97799}, {Lat: 37.5, Lng: 127}}
	m1, err := c.GetMatrix(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	m1.Durations[0][1] = -1 // caller mutation must not leak into the cache
	m2, err := c.GetMatrix(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&next.calls); n != 1 {
		t.Fatalf("expected one upstream call, got %d", n)
	}
	if m2.Durations[0][1] <= 0 {
		t.Fatalf("cached matrix was aliased: %v", m2.Durations)
	}
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	next := &countingProvider{err: ErrUpstreamUnavailable}
	c := NewCached(next, NewMemoryCache(16), time.Minute, 4)
	for i := 0; i < 2; i++ {
		if _, err := c.GetMatrix(context.Background(), seoul); !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	}
	if n := atomic.LoadInt32(&next.calls); n != 2 {
		t.Fatalf("errors must not be cached, got %d calls", n)
	}
}

func TestCached_CoalescesConcurrentRequests(t *testing.T) {
	next := &countingProvider{delay: 50 * time.Millisecond}
	c := NewCached(next, NewMemoryCache(16), time.Minute, 4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetMatrix(context.Background(), seoul); err != nil {
				t.Errorf("GetMatrix: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&next.calls); n != 1 {
		t.Fatalf("expected a single shared upstream call, got %d", n)
	}
}

func TestCached_WaiterCancellation(t *testing.T) {
	next := &countingProvider{delay: 200 * time.Millisecond}
	c := NewCached(next, NewMemoryCache(16), time.Minute, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetMatrix(ctx, seoul); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryCache_Expires(t *testing.T) {
	c := NewMemoryCache(4)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	m, _ := StraightLine{}.GetMatrix(context.Background(), seoul)
	c.Set(context.Background(), "k", m, time.Second)
	if _, ok := c.Get(context.Background(), "k"); !ok {
		t.Fatalf("expected hit")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatalf("expected expiry")
	}
}

func TestStraightLine(t *testing.T) {
	m, err := StraightLine{SpeedKph: 36}.GetMatrix(context.Background(), seoul)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Check(len(seoul)); err != nil {
		t.Fatal(err)
	}
	// 36 km/h is 10 m/s
	want := m.Distances[0][1] * 1000 / 10
	if d := m.Durations[0][1]; d < want-0.01 || d > want+0.01 {
		t.Fatalf("duration %v, want %v", d, want)
	}
}

func TestRedisCache_RoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	c := NewRedisCache(rdb)
	m, _ := StraightLine{}.GetMatrix(context.Background(), seoul)
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	c.Set(context.Background(), key, m, 5*time.Second)
	got, ok := c.Get(context.Background(), key)
	if !ok || got.Durations[2][0] != m.Durations[2][0] {
		t.Fatalf("redis round trip failed: %v %v", ok, got)
	}
}

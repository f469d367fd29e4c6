package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/hash/sha256"
	"github.com/sitepulse/sitepulse/internal/scan"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDurable struct {
	mu      sync.Mutex
	entries map[string]scan.CacheEntry
	getErr  error
	putErr  error
	puts    int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{entries: make(map[string]scan.CacheEntry)}
}

func (d *fakeDurable) Get(_ context.Context, key string) (scan.CacheEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return scan.CacheEntry{}, d.getErr
	}
	entry, ok := d.entries[key]
	if !ok {
		return scan.CacheEntry{}, scan.ErrNotFound
	}
	return entry, nil
}

func (d *fakeDurable) Put(_ context.Context, entry scan.CacheEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.putErr != nil {
		return d.putErr
	}
	d.entries[entry.Key] = entry
	d.puts++
	return nil
}

func analysisFor(t scan.TaskType, url string) scan.Analysis {
	return scan.Analysis{
		Type: t,
		URL:  url,
		Data: json.RawMessage(`{"ok":true}`),
	}
}

func newTestCache(t *testing.T, durable scan.DurableCache, clock scan.Clock) *Cache {
	t.Helper()
	return New(Config{}, clock, sha256.New(), durable, nil)
}

func TestGetOrComputeDeduplicatesConcurrentCallers(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, newFakeDurable(), newFakeClock())

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (scan.Analysis, error) {
		calls.Add(1)
		<-release
		return analysisFor(scan.TaskSEO, "https://example.com"), nil
	}

	const callers = 8
	results := make(chan scan.Analysis, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := c.GetOrCompute(context.Background(), "seo", "https://example.com", compute)
			require.NoError(t, err)
			results <- a
		}()
	}

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	// Every caller observed the single computation's result.
	require.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		a := <-results
		require.Equal(t, scan.TaskSEO, a.Type)
	}
}

func TestGetOrComputeSharesErrorsWithJoiners(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, newFakeDurable(), newFakeClock())

	var calls atomic.Int32
	release := make(chan struct{})
	boom := errors.New("analyzer exploded")
	compute := func(context.Context) (scan.Analysis, error) {
		calls.Add(1)
		<-release
		return scan.Analysis{}, boom
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompute(context.Background(), "tech", "https://example.com", compute)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, boom)
	}
	require.Equal(t, int32(1), calls.Load())

	// Errors are not cached: the in-flight marker is gone and the next
	// call computes again.
	_, err := c.GetOrCompute(context.Background(), "tech", "https://example.com",
		func(context.Context) (scan.Analysis, error) {
			calls.Add(1)
			return analysisFor(scan.TaskTech, "https://example.com"), nil
		})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestSetUsesOutcomeDependentTTL(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	clock := newFakeClock()
	c := newTestCache(t, durable, clock)
	ctx := context.Background()

	c.Set(ctx, "seo", "https://good.example", analysisFor(scan.TaskSEO, "https://good.example"), true)
	c.Set(ctx, "seo", "https://bad.example", analysisFor(scan.TaskSEO, "https://bad.example"), false)

	good := durable.entries[c.Key("seo", "https://good.example")]
	bad := durable.entries[c.Key("seo", "https://bad.example")]
	require.True(t, bad.ExpiresAt.Before(good.ExpiresAt),
		"failure written at the same instant must expire strictly sooner than success")
	require.Equal(t, clock.Now().Add(defaultSuccessTTL), good.ExpiresAt)
	require.Equal(t, clock.Now().Add(defaultFailureTTL), bad.ExpiresAt)

	// Past the failure TTL the failure is a miss while the success still hits.
	clock.Advance(defaultFailureTTL + time.Minute)
	_, ok := c.Get(ctx, "seo", "https://bad.example")
	require.False(t, ok)
	_, ok = c.Get(ctx, "seo", "https://good.example")
	require.True(t, ok)
}

func TestPendingResultGetsFailureTTL(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	clock := newFakeClock()
	c := newTestCache(t, durable, clock)

	pending := scan.Analysis{
		Type:    scan.TaskPerf,
		URL:     "https://example.com",
		Pending: true,
		Data:    json.RawMessage(`{"partial":true}`),
	}
	require.False(t, pending.Succeeded())

	_, err := c.GetOrCompute(context.Background(), "perf", "https://example.com",
		func(context.Context) (scan.Analysis, error) { return pending, nil })
	require.NoError(t, err)

	entry := durable.entries[c.Key("perf", "https://example.com")]
	require.Equal(t, clock.Now().Add(defaultFailureTTL), entry.ExpiresAt)
}

func TestGetBackfillsMemoryTierFromDurable(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	clock := newFakeClock()
	c := newTestCache(t, durable, clock)
	ctx := context.Background()

	c.Set(ctx, "colors", "https://example.com", analysisFor(scan.TaskColors, "https://example.com"), true)
	c.memory.clear()
	require.Zero(t, c.memory.len())

	a, ok := c.Get(ctx, "colors", "https://example.com")
	require.True(t, ok)
	require.Equal(t, scan.TaskColors, a.Type)
	require.Equal(t, 1, c.memory.len())

	// Second read is served from the in-process tier even if the durable
	// tier goes away.
	durable.getErr = errors.New("connection refused")
	_, ok = c.Get(ctx, "colors", "https://example.com")
	require.True(t, ok)
}

func TestSchemaVersionMismatchForcesRecomputation(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	clock := newFakeClock()
	old := New(Config{SchemaVersion: 1}, clock, sha256.New(), durable, nil)
	old.Set(context.Background(), "seo", "https://example.com", analysisFor(scan.TaskSEO, "https://example.com"), true)

	current := New(Config{SchemaVersion: 2}, clock, sha256.New(), durable, nil)
	_, ok := current.Get(context.Background(), "seo", "https://example.com")
	require.False(t, ok)

	var calls atomic.Int32
	_, err := current.GetOrCompute(context.Background(), "seo", "https://example.com",
		func(context.Context) (scan.Analysis, error) {
			calls.Add(1)
			return analysisFor(scan.TaskSEO, "https://example.com"), nil
		})
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestDurableFaultsDegradeSilently(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	durable.getErr = errors.New("durable tier down")
	durable.putErr = errors.New("durable tier down")
	clock := newFakeClock()
	c := newTestCache(t, durable, clock)
	ctx := context.Background()

	// Set swallows the durable write failure.
	c.Set(ctx, "tech", "https://example.com", analysisFor(scan.TaskTech, "https://example.com"), true)

	// The in-process tier still serves the value.
	a, ok := c.Get(ctx, "tech", "https://example.com")
	require.True(t, ok)
	require.Equal(t, scan.TaskTech, a.Type)
}

func TestNilDurableTierIsInProcessOnly(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := newTestCache(t, nil, clock)
	ctx := context.Background()

	_, ok := c.Get(ctx, "seo", "https://example.com")
	require.False(t, ok)

	c.Set(ctx, "seo", "https://example.com", analysisFor(scan.TaskSEO, "https://example.com"), true)
	_, ok = c.Get(ctx, "seo", "https://example.com")
	require.True(t, ok)
}

func TestInvalidateClearsInProcessTier(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	clock := newFakeClock()
	c := newTestCache(t, durable, clock)
	ctx := context.Background()

	c.Set(ctx, "seo", "https://example.com", analysisFor(scan.TaskSEO, "https://example.com"), true)
	c.Invalidate("seo", "https://example.com")
	require.Zero(t, c.memory.len())

	// Durable tier is untouched; the next Get backfills.
	_, ok := c.Get(ctx, "seo", "https://example.com")
	require.True(t, ok)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	store := newLRUStore(3)
	exp := time.Unix(1800000000, 0)
	for i := 0; i < 3; i++ {
		store.put(cached{key: fmt.Sprintf("k%d", i), schemaVersion: 1, expiresAt: exp})
	}

	// Touch k0 so k1 becomes the eviction candidate.
	_, ok := store.get("k0")
	require.True(t, ok)

	store.put(cached{key: "k3", schemaVersion: 1, expiresAt: exp})
	require.Equal(t, 3, store.len())

	_, ok = store.get("k1")
	require.False(t, ok)
	for _, key := range []string{"k0", "k2", "k3"} {
		_, ok := store.get(key)
		require.True(t, ok, "expected %s to survive", key)
	}
}

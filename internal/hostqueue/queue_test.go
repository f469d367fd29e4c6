package hostqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueJoinsConcurrentSubmitsForSameHost(t *testing.T) {
	t.Parallel()

	q := New(Config{Concurrency: 3, JobTimeout: time.Second}, nil)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	job := func(context.Context) (any, error) {
		calls.Add(1)
		close(started)
		<-release
		return "payload", nil
	}

	results := make(chan any, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		val, err := q.Submit(context.Background(), "https://example.com/a", "first", job)
		require.NoError(t, err)
		results <- val
	}()

	<-started
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(release)
	}()

	// Same host, different path, submitted while the first job is still
	// blocked: must join it, not start a second job.
	val, err := q.Submit(context.Background(), "https://example.com/b", "second", func(context.Context) (any, error) {
		calls.Add(1)
		return "other", nil
	})
	require.NoError(t, err)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "payload", val)
	require.Equal(t, "payload", <-results)
}

func TestQueueSerializesJobsPerHost(t *testing.T) {
	t.Parallel()

	q := New(Config{Concurrency: 3, JobTimeout: time.Second}, nil)

	var running, maxRunning atomic.Int32
	job := func(context.Context) (any, error) {
		now := running.Add(1)
		for {
			prev := maxRunning.Load()
			if now <= prev || maxRunning.CompareAndSwap(prev, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	// Sequential submissions against one host with gaps between them, so
	// each starts fresh work rather than joining.
	for i := 0; i < 5; i++ {
		_, err := q.Submit(context.Background(), "https://slow.example", "serial", job)
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), maxRunning.Load())
}

func TestQueueEnforcesGlobalConcurrencyBound(t *testing.T) {
	t.Parallel()

	const limit = 3
	q := New(Config{Concurrency: limit, JobTimeout: time.Second}, nil)

	var running, maxRunning atomic.Int32
	job := func(context.Context) (any, error) {
		now := running.Add(1)
		for {
			prev := maxRunning.Load()
			if now <= prev || maxRunning.CompareAndSwap(prev, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	urls := []string{
		"https://one.example", "https://two.example", "https://three.example",
		"https://four.example", "https://five.example", "https://six.example",
	}
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := q.Submit(context.Background(), u, "bound", job)
			require.NoError(t, err)
		}(u)
	}
	wg.Wait()

	require.LessOrEqual(t, maxRunning.Load(), int32(limit))
	require.Positive(t, maxRunning.Load())
}

func TestQueueTimeoutPropagatesToJoiners(t *testing.T) {
	t.Parallel()

	q := New(Config{Concurrency: 1, JobTimeout: 30 * time.Millisecond}, nil)

	started := make(chan struct{})
	var once sync.Once
	job := func(ctx context.Context) (any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Submit(context.Background(), "https://stuck.example", "slow", job)
		errs <- err
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Submit(context.Background(), "https://stuck.example", "joiner", job)
		errs <- err
	}()
	wg.Wait()

	for i := 0; i < 2; i++ {
		err := <-errs
		require.ErrorIs(t, err, ErrTimeout)
	}
}

func TestQueueClearDropsQueuedWork(t *testing.T) {
	t.Parallel()

	q := New(Config{Concurrency: 1, JobTimeout: time.Second}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Submit(context.Background(), "https://busy.example", "blocker", blocker)
		require.NoError(t, err)
	}()
	<-started

	wg.Add(1)
	queuedErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := q.Submit(context.Background(), "https://queued.example", "queued", func(context.Context) (any, error) {
			return "ran", nil
		})
		queuedErr <- err
	}()

	require.Eventually(t, func() bool {
		return q.Stats().QueueSize == 1
	}, time.Second, 5*time.Millisecond)

	q.Clear()
	close(release)
	wg.Wait()

	require.ErrorIs(t, <-queuedErr, ErrCleared)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	q := New(Config{Concurrency: 2, JobTimeout: time.Second}, nil)

	stats := q.Stats()
	require.Equal(t, 2, stats.ConcurrencyLimit)
	require.Zero(t, stats.QueueSize)
	require.Zero(t, stats.PendingCount)
	require.Empty(t, stats.ActiveHosts)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Submit(context.Background(), "https://example.org", "stats", func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	stats = q.Stats()
	require.Equal(t, 1, stats.PendingCount)
	require.Equal(t, []string{"example.org"}, stats.ActiveHosts)

	close(release)
	wg.Wait()

	require.Eventually(t, func() bool {
		return q.Stats().PendingCount == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", HostKey("https://Example.com/path?q=1"))
	require.Equal(t, "example.com:8443", HostKey("https://example.com:8443/x"))
	require.Equal(t, "not a url at all", HostKey("not a url at all"))
	require.Equal(t, "", HostKey(""))
}

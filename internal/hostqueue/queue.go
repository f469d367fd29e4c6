// Package hostqueue bounds concurrent browser-backed jobs globally and
// serializes jobs against the same target host.
package hostqueue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Job is one schedulable unit of expensive work. It must honor ctx, but
// the queue enforces the deadline even against jobs that do not.
type Job func(ctx context.Context) (any, error)

// Config controls Queue behavior.
type Config struct {
	// Concurrency bounds in-flight jobs across all hosts (default 3).
	Concurrency int
	// JobTimeout is the hard execution deadline per job (default 60s).
	JobTimeout time.Duration
	// PerHostRPS paces successive jobs against one host; 0 disables.
	PerHostRPS float64
}

const (
	defaultConcurrency = 3
	defaultJobTimeout  = 60 * time.Second
)

// ErrCleared settles jobs that were still queued when Clear ran.
var ErrCleared = errors.New("job dropped: queue cleared")

// ErrTimeout marks jobs that exceeded their execution deadline.
var ErrTimeout = errors.New("job timed out")

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	QueueSize        int      `json:"queue_size"`
	PendingCount     int      `json:"pending_count"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	ActiveHosts      []string `json:"active_hosts"`
}

// pending is one in-flight computation shared by every joined caller.
type pending struct {
	done chan struct{}
	val  any
	err  error
}

// Queue is the per-host throttled job queue. All mutable state is owned
// by this type; the zero value is not usable, construct with New.
type Queue struct {
	cfg    Config
	slots  chan struct{}
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*pending
	limiters map[string]*rate.Limiter
	waiting  int
	gen      uint64
}

// New constructs a Queue.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Concurrency),
		logger:   logger,
		inflight: make(map[string]*pending),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Submit schedules job for execution, or joins the in-flight job for the
// same host. Every joined caller receives the same result or error. The
// caller's ctx only bounds the wait; a started job runs to completion
// for the benefit of other joiners.
func (q *Queue) Submit(ctx context.Context, rawURL, label string, job Job) (any, error) {
	host := HostKey(rawURL)

	q.mu.Lock()
	if p, ok := q.inflight[host]; ok {
		q.mu.Unlock()
		q.logger.Debug("joined in-flight job", zap.String("host", host), zap.String("label", label))
		return q.await(ctx, p)
	}
	p := &pending{done: make(chan struct{})}
	q.inflight[host] = p
	gen := q.gen
	q.mu.Unlock()

	go q.run(host, label, gen, p, job)
	return q.await(ctx, p)
}

func (q *Queue) await(ctx context.Context, p *pending) (any, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for job result: %w", ctx.Err())
	}
}

func (q *Queue) run(host, label string, gen uint64, p *pending, job Job) {
	q.mu.Lock()
	q.waiting++
	q.mu.Unlock()

	q.slots <- struct{}{}

	q.mu.Lock()
	q.waiting--
	dropped := gen != q.gen
	q.mu.Unlock()

	if dropped {
		q.settle(host, p, nil, ErrCleared)
		<-q.slots
		return
	}

	if err := q.pace(host); err != nil {
		q.settle(host, p, nil, err)
		<-q.slots
		return
	}

	val, err := q.execute(label, job)
	q.settle(host, p, val, err)
	<-q.slots
}

// execute runs the job under the hard deadline. The job function runs in
// its own goroutine so a job that ignores ctx still fails on time; its
// late result is discarded.
func (q *Queue) execute(label string, job Job) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := job(ctx)
		ch <- result{val: val, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, q.cfg.JobTimeout, label)
		}
		return r.val, r.err
	case <-ctx.Done():
		q.logger.Warn("job exceeded deadline", zap.String("label", label), zap.Duration("timeout", q.cfg.JobTimeout))
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, q.cfg.JobTimeout, label)
	}
}

func (q *Queue) settle(host string, p *pending, val any, err error) {
	p.val = val
	p.err = err
	q.mu.Lock()
	if q.inflight[host] == p {
		delete(q.inflight, host)
	}
	q.mu.Unlock()
	close(p.done)
}

func (q *Queue) pace(host string) error {
	if q.cfg.PerHostRPS <= 0 {
		return nil
	}
	q.mu.Lock()
	limiter, ok := q.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(q.cfg.PerHostRPS), 1)
		q.limiters[host] = limiter
	}
	q.mu.Unlock()
	if err := limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("host pacing wait: %w", err)
	}
	return nil
}

// Stats returns a snapshot of queue state. Introspection only.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	hosts := make([]string, 0, len(q.inflight))
	for host := range q.inflight {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return Stats{
		QueueSize:        q.waiting,
		PendingCount:     len(q.inflight),
		ConcurrencyLimit: q.cfg.Concurrency,
		ActiveHosts:      hosts,
	}
}

// Clear drops all queued, not-yet-started work and forgets in-flight
// host markers. Intended for controlled resets only.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.gen++
	q.inflight = make(map[string]*pending)
	q.mu.Unlock()
}

// HostKey derives the throttling key from a URL: the lowercased host
// component, falling back to the raw string when parsing fails.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}

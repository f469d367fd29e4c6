// Package throttled routes expensive fetches through the host queue so
// rendering stays bounded globally and serialized per host.
package throttled

import (
	"context"
	"fmt"

	"github.com/sitepulse/sitepulse/internal/hostqueue"
	"github.com/sitepulse/sitepulse/internal/scan"
)

// Fetcher decorates another Fetcher with host-queue scheduling.
// Concurrent fetches against the same host share one retrieval.
type Fetcher struct {
	queue *hostqueue.Queue
	inner scan.Fetcher
}

// New wraps inner with the queue.
func New(queue *hostqueue.Queue, inner scan.Fetcher) *Fetcher {
	return &Fetcher{queue: queue, inner: inner}
}

// Fetch submits the retrieval to the queue and waits for its result.
func (f *Fetcher) Fetch(ctx context.Context, req scan.FetchRequest) (scan.FetchResponse, error) {
	v, err := f.queue.Submit(ctx, req.URL, "fetch "+req.URL, func(jobCtx context.Context) (any, error) {
		return f.inner.Fetch(jobCtx, req)
	})
	if err != nil {
		return scan.FetchResponse{}, err
	}
	resp, ok := v.(scan.FetchResponse)
	if !ok {
		return scan.FetchResponse{}, fmt.Errorf("unexpected job result type %T", v)
	}
	return resp, nil
}

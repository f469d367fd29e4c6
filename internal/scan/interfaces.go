package scan

import (
	"context"
	"io"
	"time"
)

// Store is the persistence contract for scans, statuses and tasks.
// Implementations must make ClaimNextQueuedTask atomic: a task row is
// handed to exactly one claimant even when multiple orchestrator
// instances poll the same store.
type Store interface {
	// CreateScan inserts a scan, its status row, and one queued task per
	// analysis type in a single atomic operation.
	CreateScan(ctx context.Context, url string, userID *string) (Scan, ScanStatus, []Task, error)

	// RequeueScan inserts a fresh set of queued tasks for an existing
	// scan and bumps its last_run_at. Settled tasks are never resurrected.
	RequeueScan(ctx context.Context, scanID string, at time.Time) ([]Task, error)

	GetScan(ctx context.Context, scanID string) (Scan, error)
	GetScanStatus(ctx context.Context, scanID string) (ScanStatus, error)
	GetTask(ctx context.Context, scanID string, taskType TaskType) (Task, error)

	// ClaimNextQueuedTask atomically claims the oldest queued task,
	// transitions it to running, and returns it. ErrNoQueuedTask when
	// nothing is queued.
	ClaimNextQueuedTask(ctx context.Context) (Task, error)

	// SetTaskStatus moves a task to the given status. Transitions out of
	// a terminal state are rejected with ErrTaskSettled.
	SetTaskStatus(ctx context.Context, taskID string, status Status, payload *TaskPayload) error

	// TaskCounts returns the total number of tasks for a scan and how
	// many of them are not yet in a terminal state.
	TaskCounts(ctx context.Context, scanID string) (total, unfinished int, err error)

	// SetScanStatus updates the aggregate status row. Marking a scan
	// complete is idempotent: only the first transition reports changed.
	SetScanStatus(ctx context.Context, scanID string, status Status, progress int) (changed bool, err error)
}

// DurableCache is the crash-surviving tier of the result cache.
type DurableCache interface {
	// Get returns the entry for key, or ErrNotFound when absent/expired.
	Get(ctx context.Context, key string) (CacheEntry, error)
	Put(ctx context.Context, entry CacheEntry) error
}

// Analyzer runs one analysis type against a URL.
type Analyzer interface {
	Analyze(ctx context.Context, url string) (Analysis, error)
}

// Fetcher retrieves a page, with or without a rendering browser.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher produces stable hex digests for cache keys and archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator mints unique identifiers for scans and tasks.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher delivers event payloads to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore persists fetched page bodies for later audit.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

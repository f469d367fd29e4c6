// Package scan defines the core domain types and interfaces for the
// scan orchestration subsystem.
package scan

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Status is the lifecycle state shared by scans and tasks.
type Status string

// Lifecycle states. Complete and Failed are terminal for tasks.
const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// TaskType identifies one analysis dimension of a scan.
type TaskType string

// The analysis types created for every scan.
const (
	TaskTech   TaskType = "tech"
	TaskColors TaskType = "colors"
	TaskSEO    TaskType = "seo"
	TaskPerf   TaskType = "perf"
)

// AllTaskTypes lists every analysis type in creation order.
func AllTaskTypes() []TaskType {
	return []TaskType{TaskTech, TaskColors, TaskSEO, TaskPerf}
}

// ParseTaskType validates a string form of a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskTech, TaskColors, TaskSEO, TaskPerf:
		return TaskType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
}

// Scan is one user-initiated analysis request for a URL.
type Scan struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	UserID    *string    `json:"user_id,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// ScanStatus is the aggregate view over a scan's tasks, one row per scan.
type ScanStatus struct {
	ScanID    string    `json:"scan_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one (scan, analysis type) unit of work with its own lifecycle.
type Task struct {
	ID        string       `json:"task_id"`
	ScanID    string       `json:"scan_id"`
	Type      TaskType     `json:"type"`
	Status    Status       `json:"status"`
	Payload   *TaskPayload `json:"payload,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// TaskPayload is the structured envelope persisted on a settled task.
// Exactly one of Error or Result is set.
type TaskPayload struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Analysis is the result of running one analyzer against a URL. Data is
// opaque to the orchestration layer; Pending marks a partial result that
// must not be cached with the long success TTL.
type Analysis struct {
	Type        TaskType        `json:"type"`
	URL         string          `json:"url"`
	GeneratedAt time.Time       `json:"generated_at"`
	Pending     bool            `json:"pending,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// Succeeded reports whether the analysis is a settled, cacheable result.
// The flag is derived from the value's shape, not from error flow.
func (a Analysis) Succeeded() bool {
	return !a.Pending && len(a.Data) > 0
}

// CacheEntry is one durable-tier cache row, keyed by hash(prefix, url).
type CacheEntry struct {
	Key         string    `json:"key"`
	OriginalURL string    `json:"original_url"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FetchRequest describes one page retrieval.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the outcome of one page retrieval.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

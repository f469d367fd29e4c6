// Package events defines the scan lifecycle events emitted by the
// orchestrator and the hub that fans them out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported lifecycle stages.
const (
	StageScanCreated Stage = "SCAN_CREATED"
	StageTaskStart   Stage = "TASK_START"
	StageTaskDone    Stage = "TASK_DONE"
	StageTaskError   Stage = "TASK_ERROR"
	StageScanDone    Stage = "SCAN_DONE"
)

// Event captures a single scan or task milestone.
type Event struct {
	// ScanID identifies the scan the event belongs to.
	ScanID string `json:"scan_id"`
	// TaskType scopes task events to one analysis dimension.
	TaskType scan.TaskType `json:"task_type,omitempty"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the scanned page.
	URL string `json:"url,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Dur captures task execution latency for terminal task events.
	Dur time.Duration `json:"dur,omitempty"`
	// Note attaches low-volume context, typically error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ScanID == "" {
		return errors.New("scan id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanCreated, StageScanDone:
	case StageTaskStart, StageTaskDone, StageTaskError:
		if e.TaskType == "" {
			return errors.New("task events require a task type")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// ScanStore provides an in-memory scan.Store for development and
// testing. Claims are serialized under the lock, so the atomicity
// contract holds within one process.
type ScanStore struct {
	mu       sync.RWMutex
	scans    map[string]scan.Scan
	statuses map[string]scan.ScanStatus
	tasks    map[string]scan.Task
	taskSeq  map[string]int

	clock scan.Clock
	ids   scan.IDGenerator
	seq   int
}

// NewScanStore constructs an empty ScanStore.
func NewScanStore(clock scan.Clock, ids scan.IDGenerator) *ScanStore {
	return &ScanStore{
		scans:    make(map[string]scan.Scan),
		statuses: make(map[string]scan.ScanStatus),
		tasks:    make(map[string]scan.Task),
		taskSeq:  make(map[string]int),
		clock:    clock,
		ids:      ids,
	}
}

// CreateScan stores a scan, its status row, and one queued task per type.
func (s *ScanStore) CreateScan(_ context.Context, url string, userID *string) (scan.Scan, scan.ScanStatus, []scan.Task, error) {
	if url == "" {
		return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	scanID, err := s.ids.NewID()
	if err != nil {
		return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("generate scan id: %w", err)
	}
	now := s.clock.Now()

	sc := scan.Scan{
		ID:        scanID,
		URL:       url,
		UserID:    userID,
		Active:    true,
		CreatedAt: now,
	}
	status := scan.ScanStatus{
		ScanID:    scanID,
		Status:    scan.StatusQueued,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tasks, err := s.insertTaskSetLocked(scanID, now)
	if err != nil {
		return scan.Scan{}, scan.ScanStatus{}, nil, err
	}

	s.scans[scanID] = sc
	s.statuses[scanID] = status
	return sc, status, tasks, nil
}

// RequeueScan adds a fresh queued task set for an existing active scan.
func (s *ScanStore) RequeueScan(_ context.Context, scanID string, at time.Time) ([]scan.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scans[scanID]
	if !ok || !sc.Active {
		return nil, scan.ErrNotFound
	}
	tasks, err := s.insertTaskSetLocked(scanID, at)
	if err != nil {
		return nil, err
	}

	runAt := at
	sc.LastRunAt = &runAt
	s.scans[scanID] = sc

	status := s.statuses[scanID]
	status.Status = scan.StatusQueued
	status.Progress = 0
	status.UpdatedAt = at
	s.statuses[scanID] = status

	return tasks, nil
}

func (s *ScanStore) insertTaskSetLocked(scanID string, at time.Time) ([]scan.Task, error) {
	types := scan.AllTaskTypes()
	tasks := make([]scan.Task, 0, len(types))
	for _, taskType := range types {
		taskID, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		task := scan.Task{
			ID:        taskID,
			ScanID:    scanID,
			Type:      taskType,
			Status:    scan.StatusQueued,
			CreatedAt: at,
		}
		s.seq++
		s.tasks[taskID] = task
		s.taskSeq[taskID] = s.seq
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetScan fetches a scan by ID.
func (s *ScanStore) GetScan(_ context.Context, scanID string) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return scan.Scan{}, scan.ErrNotFound
	}
	return sc, nil
}

// GetScanStatus fetches the aggregate status row for a scan.
func (s *ScanStore) GetScanStatus(_ context.Context, scanID string) (scan.ScanStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[scanID]
	if !ok {
		return scan.ScanStatus{}, scan.ErrNotFound
	}
	return status, nil
}

// GetTask fetches the newest task of a given type for a scan.
func (s *ScanStore) GetTask(_ context.Context, scanID string, taskType scan.TaskType) (scan.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found   bool
		best    scan.Task
		bestSeq int
	)
	for id, task := range s.tasks {
		if task.ScanID != scanID || task.Type != taskType {
			continue
		}
		if !found || s.taskSeq[id] > bestSeq {
			found = true
			best = task
			bestSeq = s.taskSeq[id]
		}
	}
	if !found {
		return scan.Task{}, scan.ErrNotFound
	}
	return best, nil
}

// ClaimNextQueuedTask claims the oldest queued task and marks it running.
func (s *ScanStore) ClaimNextQueuedTask(_ context.Context) (scan.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := make([]string, 0)
	for id, task := range s.tasks {
		if task.Status == scan.StatusQueued {
			queued = append(queued, id)
		}
	}
	if len(queued) == 0 {
		return scan.Task{}, scan.ErrNoQueuedTask
	}
	sort.Slice(queued, func(i, j int) bool {
		return s.taskSeq[queued[i]] < s.taskSeq[queued[j]]
	})

	task := s.tasks[queued[0]]
	task.Status = scan.StatusRunning
	s.tasks[task.ID] = task
	return task, nil
}

// SetTaskStatus moves a task to the given status, rejecting transitions
// out of a terminal state.
func (s *ScanStore) SetTaskStatus(_ context.Context, taskID string, status scan.Status, payload *scan.TaskPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return scan.ErrNotFound
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", scan.ErrTaskSettled, taskID, task.Status)
	}
	task.Status = status
	task.Payload = payload
	s.tasks[taskID] = task
	return nil
}

// TaskCounts returns the total and not-yet-terminal task counts for a scan.
func (s *ScanStore) TaskCounts(_ context.Context, scanID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, unfinished int
	for _, task := range s.tasks {
		if task.ScanID != scanID {
			continue
		}
		total++
		if !task.Status.Terminal() {
			unfinished++
		}
	}
	return total, unfinished, nil
}

// SetScanStatus updates the aggregate status row, reporting whether the
// write changed anything.
func (s *ScanStore) SetScanStatus(_ context.Context, scanID string, status scan.Status, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.statuses[scanID]
	if !ok {
		return false, scan.ErrNotFound
	}
	if current.Status == status && current.Progress == progress {
		return false, nil
	}
	current.Status = status
	current.Progress = progress
	current.UpdatedAt = s.clock.Now()
	s.statuses[scanID] = current
	return true, nil
}

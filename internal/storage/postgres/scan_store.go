// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// DB is the subset of pgxpool.Pool the stores use. pgxmock satisfies it
// too, which keeps the stores testable without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// ScanStoreConfig controls the Postgres connection pool behind a ScanStore.
type ScanStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// ScanStore implements scan.Store on Postgres. Task claiming relies on
// FOR UPDATE SKIP LOCKED, so concurrent orchestrator instances never
// hand the same task to two workers.
type ScanStore struct {
	db    DB
	clock scan.Clock
	ids   scan.IDGenerator
}

// NewScanStore creates a Postgres-backed ScanStore using the provided config.
func NewScanStore(ctx context.Context, cfg ScanStoreConfig, clock scan.Clock, ids scan.IDGenerator) (*ScanStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewScanStoreWithPool(pool, clock, ids)
}

// NewScanStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewScanStoreWithPool(db DB, clock scan.Clock, ids scan.IDGenerator) (*ScanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &ScanStore{db: db, clock: clock, ids: ids}, nil
}

// DB returns the underlying pool so sibling stores can share it.
func (s *ScanStore) DB() DB {
	return s.db
}

// Close releases the underlying pool resources.
func (s *ScanStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// EnsureSchema creates the scan tables when they do not exist yet.
func (s *ScanStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			user_id TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_run_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS scan_status (
			scan_id TEXT PRIMARY KEY REFERENCES scans(id),
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scan_tasks (
			id TEXT PRIMARY KEY,
			scan_id TEXT NOT NULL REFERENCES scans(id),
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS scan_tasks_claim_idx
			ON scan_tasks (created_at) WHERE status = 'queued'`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateScan inserts the scan, its status row, and one queued task per
// analysis type inside a single transaction.
func (s *ScanStore) CreateScan(ctx context.Context, url string, userID *string) (scan.Scan, scan.ScanStatus, []scan.Task, error) {
	if url == "" {
		return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("url is required")
	}
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
	tasks, err := s.newTaskSet(scanID, now)
	if err != nil {
		return scan.Scan{}, scan.ScanStatus{}, nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("begin create scan: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO scans (id, url, user_id, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		sc.ID, sc.URL, sc.UserID, sc.Active, sc.CreatedAt,
	); err != nil {
		return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("insert scan: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO scan_status (scan_id, status, progress, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		status.ScanID, status.Status, status.Progress, status.CreatedAt, status.UpdatedAt,
	); err != nil {
		return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("insert scan status: %w", err)
	}
	for _, task := range tasks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO scan_tasks (id, scan_id, type, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
			task.ID, task.ScanID, task.Type, task.Status, task.CreatedAt,
		); err != nil {
			return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("insert task %s: %w", task.Type, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return scan.Scan{}, scan.ScanStatus{}, nil, fmt.Errorf("commit create scan: %w", err)
	}
	return sc, status, tasks, nil
}

// RequeueScan inserts a fresh set of queued tasks for an existing scan.
// Earlier task rows are left untouched; GetTask always surfaces the
// newest row per type.
func (s *ScanStore) RequeueScan(ctx context.Context, scanID string, at time.Time) ([]scan.Task, error) {
	tasks, err := s.newTaskSet(scanID, at)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin requeue scan: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE scans SET last_run_at = $2 WHERE id = $1 AND active`,
		scanID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("mark scan run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, scan.ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE scan_status SET status = $2, progress = 0, updated_at = $3 WHERE scan_id = $1`,
		scanID, scan.StatusQueued, at,
	); err != nil {
		return nil, fmt.Errorf("reset scan status: %w", err)
	}
	for _, task := range tasks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO scan_tasks (id, scan_id, type, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
			task.ID, task.ScanID, task.Type, task.Status, task.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert task %s: %w", task.Type, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit requeue scan: %w", err)
	}
	return tasks, nil
}

func (s *ScanStore) newTaskSet(scanID string, at time.Time) ([]scan.Task, error) {
	types := scan.AllTaskTypes()
	tasks := make([]scan.Task, 0, len(types))
	for _, taskType := range types {
		taskID, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		tasks = append(tasks, scan.Task{
			ID:        taskID,
			ScanID:    scanID,
			Type:      taskType,
			Status:    scan.StatusQueued,
			CreatedAt: at,
		})
	}
	return tasks, nil
}

// GetScan fetches one scan by ID.
func (s *ScanStore) GetScan(ctx context.Context, scanID string) (scan.Scan, error) {
	var sc scan.Scan
	err := s.db.QueryRow(ctx,
		`SELECT id, url, user_id, active, created_at, last_run_at FROM scans WHERE id = $1`,
		scanID,
	).Scan(&sc.ID, &sc.URL, &sc.UserID, &sc.Active, &sc.CreatedAt, &sc.LastRunAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Scan{}, scan.ErrNotFound
		}
		return scan.Scan{}, fmt.Errorf("get scan: %w", err)
	}
	return sc, nil
}

// GetScanStatus fetches the aggregate status row for a scan.
func (s *ScanStore) GetScanStatus(ctx context.Context, scanID string) (scan.ScanStatus, error) {
	var status scan.ScanStatus
	err := s.db.QueryRow(ctx,
		`SELECT scan_id, status, progress, created_at, updated_at FROM scan_status WHERE scan_id = $1`,
		scanID,
	).Scan(&status.ScanID, &status.Status, &status.Progress, &status.CreatedAt, &status.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ScanStatus{}, scan.ErrNotFound
		}
		return scan.ScanStatus{}, fmt.Errorf("get scan status: %w", err)
	}
	return status, nil
}

// GetTask fetches the newest task of a given type for a scan.
func (s *ScanStore) GetTask(ctx context.Context, scanID string, taskType scan.TaskType) (scan.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, scan_id, type, status, payload, created_at
		 FROM scan_tasks
		 WHERE scan_id = $1 AND type = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		scanID, taskType,
	)
	task, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Task{}, scan.ErrNotFound
		}
		return scan.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ClaimNextQueuedTask atomically claims the oldest queued task and moves
// it to running. SKIP LOCKED keeps concurrent claimants from blocking on
// or double-claiming the same row.
func (s *ScanStore) ClaimNextQueuedTask(ctx context.Context) (scan.Task, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE scan_tasks SET status = $1
		 WHERE id = (
			SELECT id FROM scan_tasks
			WHERE status = $2
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, scan_id, type, status, payload, created_at`,
		scan.StatusRunning, scan.StatusQueued,
	)
	task, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Task{}, scan.ErrNoQueuedTask
		}
		return scan.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// SetTaskStatus moves a task to the given status. Rows already in a
// terminal state are never rewritten.
func (s *ScanStore) SetTaskStatus(ctx context.Context, taskID string, status scan.Status, payload *scan.TaskPayload) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal task payload: %w", err)
		}
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE scan_tasks SET status = $2, payload = $3
		 WHERE id = $1 AND status NOT IN ($4, $5)`,
		taskID, status, payloadJSON, scan.StatusComplete, scan.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows updated: either the task is gone or it already settled.
	var current scan.Status
	err = s.db.QueryRow(ctx, `SELECT status FROM scan_tasks WHERE id = $1`, taskID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ErrNotFound
		}
		return fmt.Errorf("check task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s", scan.ErrTaskSettled, taskID, current)
}

// TaskCounts returns how many tasks a scan has and how many are still
// short of a terminal state.
func (s *ScanStore) TaskCounts(ctx context.Context, scanID string) (int, int, error) {
	var total, unfinished int
	err := s.db.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status NOT IN ($2, $3))
		 FROM scan_tasks WHERE scan_id = $1`,
		scanID, scan.StatusComplete, scan.StatusFailed,
	).Scan(&total, &unfinished)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, unfinished, nil
}

// SetScanStatus updates the aggregate status row. The conditional WHERE
// makes completion idempotent: repeated identical writes report no change.
func (s *ScanStore) SetScanStatus(ctx context.Context, scanID string, status scan.Status, progress int) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE scan_status SET status = $2, progress = $3, updated_at = $4
		 WHERE scan_id = $1 AND (status <> $2 OR progress <> $3)`,
		scanID, status, progress, s.clock.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("set scan status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanTaskRow(row pgx.Row) (scan.Task, error) {
	var (
		task        scan.Task
		payloadJSON []byte
	)
	if err := row.Scan(&task.ID, &task.ScanID, &task.Type, &task.Status, &payloadJSON, &task.CreatedAt); err != nil {
		return scan.Task{}, err
	}
	if len(payloadJSON) > 0 {
		var payload scan.TaskPayload
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return scan.Task{}, fmt.Errorf("decode task payload: %w", err)
		}
		task.Payload = &payload
	}
	return task, nil
}

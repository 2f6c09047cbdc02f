package storage

import (
	"context"
	"database/sql"
	"time"
)

// TaskLog statuses. "running" is the only non-terminal status; the startup
// sweep is the only writer allowed to move a row out of it after a crash.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// PayloadLimit bounds result_data / error_message column payloads.
const PayloadLimit = 500

// TaskLog is the durable record of one task invocation.
// Timestamps are stored as unix milliseconds.
type TaskLog struct {
	ID           int64          `db:"id"`
	TaskType     string         `db:"task_type"`
	TaskName     string         `db:"task_name"`
	Status       string         `db:"status"`
	StartedAt    int64          `db:"started_at"`
	CompletedAt  sql.NullInt64  `db:"completed_at"`
	ResultData   sql.NullString `db:"result_data"`
	ErrorMessage sql.NullString `db:"error_message"`
}

func (l TaskLog) Started() time.Time { return time.UnixMilli(l.StartedAt) }

func (l TaskLog) Completed() (time.Time, bool) {
	if !l.CompletedAt.Valid {
		return time.Time{}, false
	}
	return time.UnixMilli(l.CompletedAt.Int64), true
}

// Filter narrows QueryTaskLogs. Zero values mean "any".
type Filter struct {
	TaskType string
	Status   string
	Limit    int
}

// Stats summarizes execution history for dashboards and the report task.
type Stats struct {
	Total       int64   `db:"total"`
	Completed   int64   `db:"completed"`
	Failed      int64   `db:"failed"`
	Running     int64   `db:"running"`
	SuccessRate float64 `db:"-"`
}

// Store is the persistence surface the execution service, scheduler and
// external reporting consume. Each call opens its own scoped operation on
// the underlying pool; no session state is shared between concurrent task
// executions.
type Store interface {
	Migrate(ctx context.Context) error

	// CreateTaskLog inserts a running row and fills in its id.
	CreateTaskLog(ctx context.Context, l *TaskLog) error

	// FinalizeTaskLog loads the row by id and moves it to a terminal
	// status. It fails if the row does not exist.
	FinalizeTaskLog(ctx context.Context, id int64, status string, completedAt time.Time, resultData, errorMessage string) error

	QueryTaskLogs(ctx context.Context, f Filter) ([]TaskLog, error)
	TaskStats(ctx context.Context) (Stats, error)

	// CountRunning and MarkInterrupted serve the startup reconciliation
	// sweep: count first so a clean boot commits nothing.
	CountRunning(ctx context.Context) (int64, error)
	MarkInterrupted(ctx context.Context, completedAt time.Time, message string) (int64, error)

	Close() error
}

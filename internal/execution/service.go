// Package execution wraps every task invocation with durable logging,
// failure alerting and the double-fault disk fallback.
package execution

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/alert"
	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

// Service runs one task invocation end to end.
//
// Guarantees:
//  1. A TaskLog row exists for every attempt unless the database is down,
//     in which case the attempt lands in the disk fallback instead.
//  2. A failing task never prevents log finalization.
//  3. A finalized "failed" status always dispatches an alert, whether or
//     not the row itself persisted.
//  4. The return value always mirrors the task's own result; logging and
//     alerting are side effects.
type Service struct {
	store    storage.Store
	fallback *storage.Fallback
	registry *task.Registry
	alerts   alert.Alerter
	log      logx.Logger
}

func New(store storage.Store, fallback *storage.Fallback, registry *task.Registry, alerts alert.Alerter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, fallback: fallback, registry: registry, alerts: alerts, log: log}
}

// ExecuteTask performs one invocation of taskType. taskName defaults to the
// type name when empty.
func (s *Service) ExecuteTask(ctx context.Context, taskType, taskName string) task.Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(taskName) == "" {
		taskName = taskType
	}
	execID := uuid.NewString()
	log := s.log.With(logx.String("task_type", taskType), logx.String("exec_id", execID))

	// Open the running row. A database fault here is recovered locally:
	// the invocation still proceeds, recorded on disk instead.
	row := &storage.TaskLog{
		TaskType:  taskType,
		TaskName:  taskName,
		Status:    storage.StatusRunning,
		StartedAt: time.Now().UnixMilli(),
	}
	haveRow := false
	if err := s.store.CreateTaskLog(ctx, row); err != nil {
		log.Warn("double-fault: database unavailable during task log init", logx.Err(err))
		s.writeFallback(taskType, storage.StatusRunning, map[string]any{
			"exec_id": execID,
			"error":   "DB_DOWN",
			"msg":     err.Error(),
		})
	} else {
		haveRow = true
		log.Info("task started", logx.Int64("log_id", row.ID))
	}

	result := s.runTask(ctx, taskType, taskName, log)

	status := storage.StatusCompleted
	if result.Failed() {
		status = storage.StatusFailed
	}
	s.finalize(ctx, haveRow, row.ID, taskType, status, result, log)

	// Alerting is independent of persistence: it fires even when the
	// database was down for the whole invocation.
	if status == storage.StatusFailed && s.alerts != nil {
		s.alerts.AlertTaskFailure(taskType, storage.Truncate(result.Err, storage.PayloadLimit))
	}

	return result
}

// runTask resolves and executes the task, converting every escape hatch
// (unknown type, panic) into a failed result.
func (s *Service) runTask(ctx context.Context, taskType, taskName string, log logx.Logger) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = task.Failuref("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	t, err := s.registry.Create(taskType, taskName)
	if err != nil {
		log.Error("task resolution failed", logx.Err(err))
		return task.Failure(err)
	}
	return t.Execute(ctx)
}

func (s *Service) finalize(ctx context.Context, haveRow bool, logID int64, taskType, status string, result task.Result, log logx.Logger) {
	now := time.Now()

	var err error
	if !haveRow {
		// The running row never made it to the database; the finalize
		// outcome goes straight to disk.
		err = errNoRow
	} else {
		resultData := ""
		errorMessage := ""
		if status == storage.StatusCompleted {
			resultData = result.String()
		} else {
			errorMessage = result.Err
		}
		err = s.store.FinalizeTaskLog(ctx, logID, status, now, resultData, errorMessage)
	}

	if err != nil {
		if haveRow {
			log.Warn("double-fault: database unavailable during task log finalize", logx.Err(err))
		}
		s.writeFallback(taskType, status, map[string]any{
			"result": storage.Truncate(result.String(), storage.PayloadLimit),
		})
		return
	}
	log.Info("task finished", logx.Int64("log_id", logID), logx.String("status", status))
}

// writeFallback appends a disk entry and absorbs the one unrecoverable
// condition: when even the disk write fails it is logged at the highest
// severity and swallowed, so the task's own result still reaches the caller.
func (s *Service) writeFallback(taskType, status string, data map[string]any) {
	if s.fallback == nil {
		s.log.Error("triple-fault: no fallback writer configured", logx.String("task_type", taskType))
		return
	}
	entry := storage.FallbackEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		TaskType:  taskType,
		Status:    status,
		Data:      data,
	}
	if err := s.fallback.Append(entry); err != nil {
		s.log.Error("triple-fault: could not even log to disk", logx.String("task_type", taskType), logx.Err(err))
	}
}

var errNoRow = errorString("no task log row was created")

type errorString string

func (e errorString) Error() string { return string(e) }

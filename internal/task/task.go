package task

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	logx "taskpilot/pkg/logx"
)

// Status tracks a task instance's local lifecycle. It is observability-only:
// the durable record lives in the TaskLog row owned by the execution service.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one unit of business logic, instantiated fresh per invocation.
//
// Execute never panics past its own boundary: internal failures are
// converted into a failed Result.
type Task interface {
	Name() string
	Execute(ctx context.Context) Result
}

// Paths carries the injected filesystem configuration so tasks never
// hardcode output locations and tests can redirect artifacts.
type Paths struct {
	DataDir string
}

// StatsFunc lets the report task pull live execution counters without
// depending on the storage package. Nil is allowed.
type StatsFunc func(ctx context.Context) (map[string]any, error)

// Deps is the dependency bundle handed to task constructors.
type Deps struct {
	Paths Paths
	Log   logx.Logger
	Stats StatsFunc
}

// base carries the shared task attributes and logging hooks.
type base struct {
	name      string
	createdAt time.Time
	status    Status
	log       logx.Logger
}

func newBase(name, fallback string, log logx.Logger) base {
	if name == "" {
		name = fallback
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return base{name: name, createdAt: time.Now(), status: StatusPending, log: log}
}

func (b *base) Name() string { return b.name }

func (b *base) logStart() {
	b.status = StatusRunning
	b.log.Info("task starting", logx.String("task", b.name))
}

func (b *base) logDone() {
	b.status = StatusCompleted
	b.log.Info("task completed", logx.String("task", b.name))
}

func (b *base) logFail(err error) {
	b.status = StatusFailed
	b.log.Error("task failed", logx.String("task", b.name), logx.Err(err))
}

const artifactTimeFormat = "20060102_150405"

// writeJSON writes v to path atomically (tmp + rename) so half-written
// artifacts never survive a crash.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

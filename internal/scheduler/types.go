package scheduler

import (
	"context"
	"time"

	"taskpilot/internal/task"
)

// Config controls the scheduler service.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// Tick is the dispatch loop resolution. Triggers fire on the first
	// tick at or after their next-run time.
	Tick time.Duration

	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Tick <= 0 {
		c.Tick = 250 * time.Millisecond
	}
	return c
}

// Policy is the per-job firing policy, evaluated by the tick loop.
type Policy struct {
	// MaxInstances caps overlapping firings of the same job. Firings
	// beyond the cap are skipped, not queued.
	MaxInstances int

	// MisfireGrace bounds how late a missed firing may still start.
	// Beyond the window it is dropped rather than run arbitrarily late.
	MisfireGrace time.Duration

	// Coalesce collapses multiple currently-due firings into one run.
	Coalesce bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxInstances <= 0 {
		p.MaxInstances = 3
	}
	if p.MisfireGrace <= 0 {
		p.MisfireGrace = 60 * time.Second
	}
	return p
}

// Runner executes one task invocation. The execution service implements it.
type Runner interface {
	ExecuteTask(ctx context.Context, taskType, taskName string) task.Result
}

// JobSpec describes a job to schedule.
type JobSpec struct {
	ID       string
	Name     string
	TaskType string
	Trigger  Trigger
	Policy   Policy

	// ReplaceExisting swaps trigger/policy for an existing id instead of
	// failing with a conflict.
	ReplaceExisting bool
}

// JobInfo is the read-only listing view exposed to dashboards and the REST
// layer.
type JobInfo struct {
	ID      string
	Name    string
	NextRun string // ISO-8601, or "N/A" when paused/exhausted
	Trigger string
}

// job is the table entry. All fields are guarded by the scheduler mutex;
// the Scheduler is the sole owner and no raw job state leaves the package.
type job struct {
	id       string
	name     string
	taskType string
	trigger  Trigger
	policy   Policy

	paused  bool
	nextRun time.Time // zero when exhausted
	running int       // overlapping firings currently in flight
}

// firing is one dispatched trigger occurrence.
type firing struct {
	jobID    string
	name     string
	taskType string
	due      time.Time
}

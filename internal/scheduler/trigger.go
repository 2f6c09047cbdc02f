package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field specs plus descriptors (@daily, ...).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger decides when a job fires.
//
// First yields the initial next-run when the job is scheduled (it may be in
// the past or equal to now, which makes the first firing immediate). Next
// yields the run following prev, strictly after it; a zero time means the
// trigger is exhausted and the job leaves the table.
type Trigger interface {
	First(now time.Time) time.Time
	Next(prev time.Time) time.Time
	Description() string
}

// IntervalTrigger fires every Every. A non-zero Start anchors the first
// firing (Start == now yields an immediate first run, the way the default
// backup job is scheduled).
type IntervalTrigger struct {
	Every time.Duration
	Start time.Time
}

// NewInterval validates and builds an IntervalTrigger.
func NewInterval(every time.Duration) (IntervalTrigger, error) {
	if every <= 0 {
		return IntervalTrigger{}, errors.New("interval must be positive")
	}
	return IntervalTrigger{Every: every}, nil
}

// StartAt returns a copy anchored at t.
func (t IntervalTrigger) StartAt(at time.Time) IntervalTrigger {
	t.Start = at
	return t
}

func (t IntervalTrigger) First(now time.Time) time.Time {
	if !t.Start.IsZero() {
		return t.Start
	}
	return now.Add(t.Every)
}

func (t IntervalTrigger) Next(prev time.Time) time.Time { return prev.Add(t.Every) }

func (t IntervalTrigger) Description() string { return fmt.Sprintf("interval[%s]", t.Every) }

// CronTrigger fires on a cron spec, evaluated in the scheduler's timezone.
type CronTrigger struct {
	spec  string
	sched cron.Schedule
}

func NewCron(spec string) (CronTrigger, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return CronTrigger{}, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return CronTrigger{spec: spec, sched: sched}, nil
}

func (t CronTrigger) First(now time.Time) time.Time { return t.sched.Next(now) }

func (t CronTrigger) Next(prev time.Time) time.Time { return t.sched.Next(prev) }

func (t CronTrigger) Description() string { return fmt.Sprintf("cron[%s]", t.spec) }

// DateTrigger fires exactly once at At, then exhausts.
type DateTrigger struct {
	At time.Time
}

func NewDate(at time.Time) (DateTrigger, error) {
	if at.IsZero() {
		return DateTrigger{}, errors.New("run time required")
	}
	return DateTrigger{At: at}, nil
}

func (t DateTrigger) First(now time.Time) time.Time { return t.At }

func (t DateTrigger) Next(prev time.Time) time.Time { return time.Time{} }

func (t DateTrigger) Description() string {
	return fmt.Sprintf("date[%s]", t.At.Format(time.RFC3339))
}

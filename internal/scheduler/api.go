package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

// Schedule adds a job to the table. A duplicate id is a conflict unless
// spec.ReplaceExisting is set, in which case trigger and policy are swapped
// atomically while the id is kept.
func (s *Scheduler) Schedule(spec JobSpec) error {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return errors.New("job id required")
	}
	if spec.Trigger == nil {
		return errors.New("trigger required")
	}
	if strings.TrimSpace(spec.TaskType) == "" {
		return errors.New("task type required")
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateNew {
		return ErrNotInitialized
	}
	if _, exists := s.jobs[id]; exists && !spec.ReplaceExisting {
		return &JobConflictError{ID: id}
	}

	now := time.Now().In(s.loc)
	j := &job{
		id:       id,
		name:     name,
		taskType: spec.TaskType,
		trigger:  spec.Trigger,
		policy:   spec.Policy.withDefaults(),
		nextRun:  spec.Trigger.First(now),
	}
	if prev := s.jobs[id]; prev != nil {
		// Keep the in-flight count so the instance cap still holds across
		// a replace.
		j.running = prev.running
	}
	s.jobs[id] = j

	s.log.Info("job scheduled",
		logx.String("job", id),
		logx.String("task_type", j.taskType),
		logx.String("trigger", j.trigger.Description()),
		logx.Time("next_run", j.nextRun))
	return nil
}

// Pause suspends a job's trigger; future firings are skipped until Resume.
func (s *Scheduler) Pause(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateNew {
		return ErrNotInitialized
	}
	j := s.jobs[jobID]
	if j == nil {
		return &JobNotFoundError{ID: jobID}
	}
	j.paused = true
	s.log.Info("job paused", logx.String("job", jobID))
	return nil
}

// Resume reactivates a paused job and recomputes its next-run from now, so
// a long pause does not produce a backlog of stale firings. A one-off job
// whose run time is still ahead keeps it; one whose run time passed during
// the pause is exhausted and leaves the table instead of lingering dead.
func (s *Scheduler) Resume(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateNew {
		return ErrNotInitialized
	}
	j := s.jobs[jobID]
	if j == nil {
		return &JobNotFoundError{ID: jobID}
	}
	if !j.paused {
		s.log.Warn("job not paused", logx.String("job", jobID))
		return nil
	}
	j.paused = false

	now := time.Now().In(s.loc)
	next := j.trigger.Next(now)
	if next.IsZero() {
		// Next past any instant exhausts a one-off trigger; a run still in
		// the future must survive the pause.
		if first := j.trigger.First(now); first.After(now) {
			next = first
		}
	}
	if next.IsZero() {
		delete(s.jobs, jobID)
		s.log.Info("job exhausted while paused, removed", logx.String("job", jobID))
		return nil
	}
	j.nextRun = next
	s.log.Info("job resumed", logx.String("job", jobID), logx.Time("next_run", j.nextRun))
	return nil
}

// Remove deletes a job from the table. Terminal for that job id.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateNew {
		return ErrNotInitialized
	}
	if _, ok := s.jobs[jobID]; !ok {
		return &JobNotFoundError{ID: jobID}
	}
	delete(s.jobs, jobID)
	s.log.Info("job removed", logx.String("job", jobID))
	return nil
}

// RunNow synchronously invokes the job's task, bypassing the trigger and
// the instance cap. It blocks the caller until the task completes and
// returns the same result shape as a natural firing.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (task.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == stateNew {
		s.mu.Unlock()
		return task.Result{}, ErrNotInitialized
	}
	j := s.jobs[jobID]
	if j == nil {
		s.mu.Unlock()
		return task.Result{}, &JobNotFoundError{ID: jobID}
	}
	taskType := j.taskType
	name := j.name
	s.mu.Unlock()

	s.log.Info("job triggered manually", logx.String("job", jobID))
	return s.runner.ExecuteTask(ctx, taskType, name), nil
}

// List returns the job table as a read-only view, sorted by id. Paused and
// exhausted jobs show "N/A" instead of a next-run time.
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		next := "N/A"
		if !j.paused && !j.nextRun.IsZero() {
			next = j.nextRun.Format(time.RFC3339)
		}
		out = append(out, JobInfo{
			ID:      j.id,
			Name:    j.name,
			NextRun: next,
			Trigger: j.trigger.Description(),
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

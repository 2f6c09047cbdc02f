package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/task"
	logx "taskpilot/pkg/logx"
)

// fakeRunner records ExecuteTask calls and can block to simulate slow tasks.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fired chan string
	block chan struct{} // when set, Execute blocks until closed
	res   task.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fired: make(chan string, 64), res: task.Success(nil)}
}

func (r *fakeRunner) ExecuteTask(ctx context.Context, taskType, taskName string) task.Result {
	r.mu.Lock()
	r.calls = append(r.calls, taskType)
	block := r.block
	r.mu.Unlock()
	select {
	case r.fired <- taskType:
	default:
	}
	if block != nil {
		<-block
	}
	return r.res
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T, cfg Config, r Runner) *Scheduler {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.Tick == 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	cfg.Enabled = true
	s := New(cfg, r, nil, eventbus.New(), logx.Nop())
	require.NoError(t, s.Init(context.Background()))
	return s
}

func mustInterval(t *testing.T, d time.Duration) IntervalTrigger {
	t.Helper()
	tr, err := NewInterval(d)
	require.NoError(t, err)
	return tr
}

func TestLifecycleGuards(t *testing.T) {
	s := New(Config{Enabled: true}, newFakeRunner(), nil, nil, logx.Nop())

	assert.ErrorIs(t, s.Start(context.Background()), ErrNotInitialized)
	assert.ErrorIs(t, s.Schedule(JobSpec{ID: "x", TaskType: "backup", Trigger: mustInterval(t, time.Hour)}), ErrNotInitialized)
	assert.ErrorIs(t, s.Pause("x"), ErrNotInitialized)

	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Init(context.Background())) // idempotent

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background())) // warn, no-op

	s.Stop(true)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestScheduleConflictAndReplace(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	spec := JobSpec{ID: "backup_job", Name: "Daily Backup", TaskType: "backup", Trigger: mustInterval(t, time.Hour)}
	require.NoError(t, s.Schedule(spec))

	err := s.Schedule(spec)
	require.Error(t, err)
	assert.True(t, IsJobConflict(err))

	spec.Trigger = mustInterval(t, 2*time.Hour)
	spec.ReplaceExisting = true
	require.NoError(t, s.Schedule(spec))

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "interval[2h0m0s]", jobs[0].Trigger)
}

func TestScheduleValidation(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	assert.Error(t, s.Schedule(JobSpec{TaskType: "backup", Trigger: mustInterval(t, time.Hour)}))
	assert.Error(t, s.Schedule(JobSpec{ID: "x", Trigger: mustInterval(t, time.Hour)}))
	assert.Error(t, s.Schedule(JobSpec{ID: "x", TaskType: "backup"}))
}

func TestPauseResumeList(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	require.NoError(t, s.Schedule(JobSpec{ID: "j1", TaskType: "backup", Trigger: mustInterval(t, time.Hour)}))

	require.NoError(t, s.Pause("j1"))
	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "N/A", jobs[0].NextRun)

	require.NoError(t, s.Resume("j1"))
	require.NoError(t, s.Resume("j1")) // not paused: warn, no-op
	jobs = s.List()
	assert.NotEqual(t, "N/A", jobs[0].NextRun)

	assert.True(t, IsJobNotFound(s.Pause("missing")))
	assert.True(t, IsJobNotFound(s.Resume("missing")))
}

func TestResumeKeepsFutureOneOff(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	tr, err := NewDate(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Schedule(JobSpec{ID: "once", TaskType: "report", Trigger: tr}))

	require.NoError(t, s.Pause("once"))
	require.NoError(t, s.Resume("once"))

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.NotEqual(t, "N/A", jobs[0].NextRun, "resumed one-off job must keep its run time")
	assert.Equal(t, tr.At.Format(time.RFC3339), jobs[0].NextRun)
}

func TestResumeRemovesExpiredOneOff(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	tr, err := NewDate(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Schedule(JobSpec{ID: "missed", TaskType: "report", Trigger: tr}))

	require.NoError(t, s.Pause("missed"))
	require.NoError(t, s.Resume("missed"))

	assert.Empty(t, s.List(), "a one-off whose run time passed during the pause is exhausted")
}

func TestCoalesceCollapsesBacklog(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	// dispatch directly instead of starting the tick loop
	s.mu.Lock()
	s.queue = make(chan firing, 16)
	s.mu.Unlock()

	now := time.Now()
	tr := mustInterval(t, time.Minute).StartAt(now.Add(-5 * time.Minute))
	require.NoError(t, s.Schedule(JobSpec{
		ID:       "backlogged",
		TaskType: "cleanup",
		Trigger:  tr,
		Policy:   Policy{Coalesce: true, MisfireGrace: time.Hour},
	}))

	s.dispatchDue(now)
	assert.Len(t, s.queue, 1, "coalesce must collapse the backlog into one run")

	jobs := s.List()
	require.Len(t, jobs, 1)
	next, err := time.Parse(time.RFC3339, jobs[0].NextRun)
	require.NoError(t, err)
	assert.True(t, next.After(now), "next run must move past the backlog")
}

func TestNoCoalesceRunsEveryMissedFiring(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	s.mu.Lock()
	s.queue = make(chan firing, 16)
	s.mu.Unlock()

	now := time.Now()
	tr := mustInterval(t, time.Minute).StartAt(now.Add(-5 * time.Minute))
	require.NoError(t, s.Schedule(JobSpec{
		ID:       "backlogged",
		TaskType: "cleanup",
		Trigger:  tr,
		Policy:   Policy{Coalesce: false, MaxInstances: 16, MisfireGrace: time.Hour},
	}))

	s.dispatchDue(now)
	assert.Len(t, s.queue, 6, "without coalesce every due firing within grace dispatches")
}

func TestRemove(t *testing.T) {
	s := newTestScheduler(t, Config{}, newFakeRunner())
	defer s.Stop(true)

	require.NoError(t, s.Schedule(JobSpec{ID: "j1", TaskType: "backup", Trigger: mustInterval(t, time.Hour)}))
	require.NoError(t, s.Remove("j1"))
	assert.Empty(t, s.List())
	assert.True(t, IsJobNotFound(s.Remove("j1")))
}

func TestRunNow(t *testing.T) {
	r := newFakeRunner()
	s := newTestScheduler(t, Config{}, r)
	defer s.Stop(true)

	_, err := s.RunNow(context.Background(), "missing")
	assert.True(t, IsJobNotFound(err))
	assert.Zero(t, r.count(), "a missing job must not execute anything")

	require.NoError(t, s.Schedule(JobSpec{ID: "j1", TaskType: "backup", Trigger: mustInterval(t, time.Hour)}))
	res, err := s.RunNow(context.Background(), "j1")
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, 1, r.count())
}

func TestImmediateFiring(t *testing.T) {
	r := newFakeRunner()
	s := newTestScheduler(t, Config{}, r)

	// anchored at now: first firing happens on the next tick
	tr := mustInterval(t, time.Hour).StartAt(time.Now())
	require.NoError(t, s.Schedule(JobSpec{ID: "j1", TaskType: "backup", Trigger: tr}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case got := <-r.fired:
		assert.Equal(t, "backup", got)
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
	s.Stop(true)
}

func TestOneOffJobLeavesTable(t *testing.T) {
	r := newFakeRunner()
	s := newTestScheduler(t, Config{}, r)

	tr, err := NewDate(time.Now().Add(20 * time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Schedule(JobSpec{ID: "once", TaskType: "report", Trigger: tr}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("one-off job never fired")
	}

	require.Eventually(t, func() bool { return len(s.List()) == 0 },
		time.Second, 10*time.Millisecond, "exhausted job must be removed")
	s.Stop(true)
}

func TestMisfireDropped(t *testing.T) {
	r := newFakeRunner()
	s := newTestScheduler(t, Config{}, r)

	// due two hours ago with a 60s default grace: must be dropped
	tr, err := NewDate(time.Now().Add(-2 * time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Schedule(JobSpec{ID: "late", TaskType: "backup", Trigger: tr}))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return len(s.List()) == 0 },
		time.Second, 10*time.Millisecond)
	s.Stop(true)

	assert.Zero(t, r.count(), "misfired job must not run")
}

func TestMaxInstancesSkipsOverlap(t *testing.T) {
	r := newFakeRunner()
	r.block = make(chan struct{})
	s := newTestScheduler(t, Config{Workers: 4}, r)

	tr := mustInterval(t, 20*time.Millisecond).StartAt(time.Now())
	require.NoError(t, s.Schedule(JobSpec{
		ID:       "busy",
		TaskType: "backup",
		Trigger:  tr,
		Policy:   Policy{MaxInstances: 1, MisfireGrace: time.Hour},
	}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-r.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
	// several intervals pass while the first instance still runs
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, r.count(), "instance cap must prevent overlap")

	close(r.block)
	s.Stop(true)
}

func TestDisabledSchedulerDoesNotFire(t *testing.T) {
	r := newFakeRunner()
	s := New(Config{Enabled: false, Tick: 10 * time.Millisecond}, r, nil, nil, logx.Nop())
	require.NoError(t, s.Init(context.Background()))

	tr := mustInterval(t, 10*time.Millisecond).StartAt(time.Now())
	require.NoError(t, s.Schedule(JobSpec{ID: "j1", TaskType: "backup", Trigger: tr}))
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.count())
	s.Stop(true)
}

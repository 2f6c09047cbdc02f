package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

type state int

const (
	stateNew state = iota
	stateInitialized
	stateStarted
	stateStopped
)

// Scheduler owns the job table. It is constructed once and passed by
// handle to every call site; there is no package-level instance.
type Scheduler struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	runner Runner
	store  storage.Store
	bus    eventbus.Bus
	loc    *time.Location

	state  state
	jobs   map[string]*job
	queue  chan firing
	stopCh chan struct{}
	wg     sync.WaitGroup

	unsubs []func()

	baseCtx context.Context
}

func New(cfg Config, runner Runner, store storage.Store, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		runner: runner,
		store:  store,
		bus:    bus,
		log:    log,
	}
}

// Init prepares the scheduler: it ensures the durable store schema exists,
// builds the empty job table and registers the firing listeners.
// Re-initializing is a no-op with a warning, so startup code may call it
// idempotently.
func (s *Scheduler) Init(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateNew {
		s.log.Warn("scheduler already initialized")
		return nil
	}

	if s.store != nil {
		if err := s.store.Migrate(ctx); err != nil {
			return err
		}
	}

	s.jobs = map[string]*job{}
	s.loc = s.loadLocationLocked()
	s.registerListenersLocked()
	s.state = stateInitialized

	s.log.Info("scheduler initialized", logx.String("tz", s.loc.String()))
	return nil
}

// registerListenersLocked wires the two standing listeners: successful
// firings log the job id, failed firings log id + error without stopping
// the scheduler or removing the job.
func (s *Scheduler) registerListenersLocked() {
	if s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsubs = append(s.unsubs, unsub)
	log := s.log
	go func() {
		for ev := range ch {
			switch ev.Type {
			case eventbus.EventJobFired:
				log.Info("job executed", logx.String("job", ev.Job.JobID))
			case eventbus.EventJobFailed:
				log.Error("job failed", logx.String("job", ev.Job.JobID), logx.String("err", ev.Job.Error))
			}
		}
	}()
}

// Start launches the worker pool and the tick loop. Starting an already
// started scheduler warns and returns nil.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateNew:
		return ErrNotInitialized
	case stateStarted:
		s.log.Warn("scheduler already running")
		return nil
	case stateStopped:
		return ErrStopped
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled by config")
		return nil
	}

	s.baseCtx = ctx
	s.queue = make(chan firing, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.state = stateStarted

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.tickLoop(ctx)

	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("tick", s.cfg.Tick),
		logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts firing. With wait=true it drains in-flight firings before
// returning; with wait=false it returns immediately and lets them finish
// in the background. Stop is terminal for this process instance.
func (s *Scheduler) Stop(wait bool) {
	s.mu.Lock()
	if s.state != stateStarted {
		s.log.Warn("scheduler not running")
		if s.state != stateStopped {
			s.state = stateStopped
			for _, u := range s.unsubs {
				u()
			}
			s.unsubs = nil
		}
		s.mu.Unlock()
		return
	}
	s.state = stateStopped
	close(s.stopCh)
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	finish := func() {
		// Workers exit after completing their current firing; whatever is
		// still queued is dropped with its instance slot returned.
		s.wg.Wait()
		s.drainQueue()
		for _, u := range unsubs {
			u()
		}
		s.log.Info("scheduler stopped")
	}

	if wait {
		finish()
		return
	}
	go finish()
}

func (s *Scheduler) drainQueue() {
	for {
		select {
		case f := <-s.queue:
			s.mu.Lock()
			if j := s.jobs[f.jobID]; j != nil && j.running > 0 {
				j.running--
			}
			s.mu.Unlock()
		default:
			return
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchDue(time.Now().In(s.loc))
		}
	}
}

// dispatchDue walks every job's next-run forward and dispatches the due
// firings, applying the job's policy: late beyond the grace window is a
// misfire (dropped), coalesce collapses a backlog into one run, and the
// instance cap skips rather than queues.
func (s *Scheduler) dispatchDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.jobs {
		if j.paused || j.nextRun.IsZero() {
			continue
		}

		runnable := 0
		for !j.nextRun.IsZero() && !j.nextRun.After(now) {
			due := j.nextRun
			j.nextRun = j.trigger.Next(due)

			if lateness := now.Sub(due); lateness > j.policy.MisfireGrace {
				s.publish(eventbus.EventJobMisfired, eventbus.JobEvent{JobID: j.id, Name: j.name, TaskType: j.taskType, Due: due, Reason: "misfire_grace_exceeded"})
				s.log.Warn("job misfired",
					logx.String("job", j.id),
					logx.Time("due", due),
					logx.Duration("lateness", lateness))
				continue
			}

			if j.policy.Coalesce && runnable > 0 {
				continue
			}
			runnable++
			s.dispatchLocked(j, due)
		}

		if j.nextRun.IsZero() {
			// One-off trigger exhausted: the job leaves the table once its
			// final firing has been dispatched.
			delete(s.jobs, id)
			s.log.Info("job exhausted, removed", logx.String("job", j.id))
		}
	}
}

// dispatchLocked enforces the per-job instance cap and hands the firing to
// the worker pool. Call with s.mu held.
func (s *Scheduler) dispatchLocked(j *job, due time.Time) {
	if j.running >= j.policy.MaxInstances {
		s.publish(eventbus.EventJobSkipped, eventbus.JobEvent{JobID: j.id, Name: j.name, TaskType: j.taskType, Due: due, Reason: "max_instances"})
		s.log.Warn("job firing skipped, instance cap reached",
			logx.String("job", j.id),
			logx.Int("running", j.running),
			logx.Int("max_instances", j.policy.MaxInstances))
		return
	}

	f := firing{jobID: j.id, name: j.name, taskType: j.taskType, due: due}
	select {
	case s.queue <- f:
		j.running++
	default:
		s.publish(eventbus.EventJobSkipped, eventbus.JobEvent{JobID: j.id, Name: j.name, TaskType: j.taskType, Due: due, Reason: "queue_full"})
		s.log.Warn("job firing dropped, queue full", logx.String("job", j.id))
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case f := <-s.queue:
			s.execFiring(ctx, f)
		}
	}
}

func (s *Scheduler) execFiring(ctx context.Context, f firing) {
	defer func() {
		s.mu.Lock()
		if j := s.jobs[f.jobID]; j != nil && j.running > 0 {
			j.running--
		}
		s.mu.Unlock()
	}()

	res := s.runner.ExecuteTask(ctx, f.taskType, f.name)
	if res.Failed() {
		s.publish(eventbus.EventJobFailed, eventbus.JobEvent{JobID: f.jobID, Name: f.name, TaskType: f.taskType, Due: f.due, Error: res.Err})
		return
	}
	s.publish(eventbus.EventJobFired, eventbus.JobEvent{JobID: f.jobID, Name: f.name, TaskType: f.taskType, Due: f.due})
}

func (s *Scheduler) publish(eventType string, ev eventbus.JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Job: ev})
}

func (s *Scheduler) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

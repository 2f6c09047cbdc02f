package app

import (
	"context"
	"fmt"
	"time"

	"taskpilot/internal/alert"
	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/execution"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/startup"
	"taskpilot/internal/storage"
	"taskpilot/internal/task"
	"taskpilot/pkg/logx"
)

// App wires the services together: config, logging, storage, the task
// registry, the execution service, alerting and the scheduler.
type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	fallback *storage.Fallback
	alerts   *alert.Dispatcher
	exec     *execution.Service
	sched    *scheduler.Scheduler

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("database.busy_timeout", cfg.Database.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	fallback := storage.NewFallback(cfg.Tasks.FallbackPath, log.With(logx.String("comp", "fallback")))

	registry := task.NewRegistry(task.Deps{
		Paths: task.Paths{DataDir: cfg.Tasks.DataDir},
		Log:   log.With(logx.String("comp", "tasks")),
		Stats: statsFunc(store),
	}, log.With(logx.String("comp", "registry")))

	alerts := alert.NewDispatcher(alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		RatePerSec: cfg.Alerts.RatePerSec,
		QueueSize:  cfg.Alerts.QueueSize,
	}, alert.LogSender{}, log.With(logx.String("comp", "alerts")))

	exec := execution.New(store, fallback, registry, alerts, log.With(logx.String("comp", "execution")))

	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Enabled:   cfg.Scheduler.Enabled == nil || *cfg.Scheduler.Enabled,
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
		Tick:      tick,
		Timezone:  cfg.Scheduler.Timezone,
	}, exec, store, bus, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		fallback: fallback,
		alerts:   alerts,
		exec:     exec,
		sched:    sched,
	}, nil
}

// Scheduler exposes the job API for operational tooling.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Start brings the system up: interrupted-run reconciliation first so
// zombie rows are settled before any new execution can write, then the
// alert worker, the scheduler with its default jobs, and the config
// watcher.
func (a *App) Start(ctx context.Context) error {
	startup.ReconcileZombieTasks(ctx, a.store, a.log)

	a.alerts.Start(ctx)

	if err := a.sched.Init(ctx); err != nil {
		return err
	}
	if err := a.registerDefaultJobs(); err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	a.cfgm.Subscribe(func(cfg *config.Config) {
		a.logs.Apply(mapLoggingConfig(cfg))
	})
	go func() {
		defer close(a.watchDone)
		if err := a.cfgm.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

// Stop tears the system down in reverse order. The scheduler drains its
// in-flight work before storage closes.
func (a *App) Stop() {
	if a.watchCancel != nil {
		a.watchCancel()
		<-a.watchDone
	}
	a.sched.Stop(true)
	a.alerts.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.fallback.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
}

// registerDefaultJobs installs the standing maintenance jobs. The backup
// job is anchored at now so it runs immediately on boot and then daily.
func (a *App) registerDefaultJobs() error {
	now := time.Now()

	backup, err := scheduler.NewInterval(24 * time.Hour)
	if err != nil {
		return err
	}
	if err := a.sched.Schedule(scheduler.JobSpec{
		ID:              "backup_job",
		Name:            "Daily Backup",
		TaskType:        task.TypeBackup,
		Trigger:         backup.StartAt(now),
		ReplaceExisting: true,
	}); err != nil {
		return err
	}

	cleanup, err := scheduler.NewInterval(time.Hour)
	if err != nil {
		return err
	}
	if err := a.sched.Schedule(scheduler.JobSpec{
		ID:              "cleanup_job",
		Name:            "Hourly Cleanup",
		TaskType:        task.TypeCleanup,
		Trigger:         cleanup,
		ReplaceExisting: true,
	}); err != nil {
		return err
	}

	report, err := scheduler.NewCron("0 9 * * *")
	if err != nil {
		return err
	}
	return a.sched.Schedule(scheduler.JobSpec{
		ID:              "report_job",
		Name:            "Morning Report",
		TaskType:        task.TypeReport,
		Trigger:         report,
		ReplaceExisting: true,
	})
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console == nil || *cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// statsFunc adapts the aggregate execution counters for the report task.
func statsFunc(store storage.Store) task.StatsFunc {
	return func(ctx context.Context) (map[string]any, error) {
		st, err := store.TaskStats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"total_tasks":     st.Total,
			"completed_tasks": st.Completed,
			"failed_tasks":    st.Failed,
			"running_tasks":   st.Running,
			"success_rate":    st.SuccessRate,
		}, nil
	}
}

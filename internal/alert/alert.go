// Package alert dispatches task-failure notifications.
//
// Transport (e.g. the email gateway) is an external collaborator behind the
// Sender interface; this package only owns queuing, rate limiting and the
// fire-and-forget contract: AlertTaskFailure never blocks and never fails
// the caller.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "taskpilot/pkg/logx"
)

// Alerter is the surface the execution service consumes.
type Alerter interface {
	AlertTaskFailure(taskType, errorMessage string)
}

// Sender delivers one rendered alert. Implementations live outside this
// subsystem (SMTP, chat webhook, ...).
type Sender interface {
	Send(ctx context.Context, subject, body string) error
}

// Config controls the dispatcher.
type Config struct {
	Enabled    bool
	RatePerSec int
	QueueSize  int
}

type item struct {
	taskType string
	errMsg   string
	at       time.Time
}

// Dispatcher queues failure alerts and delivers them through a Sender on a
// background worker, rate limited so a failure storm cannot flood the
// transport.
type Dispatcher struct {
	cfg    Config
	log    logx.Logger
	sender Sender

	limiter *rate.Limiter
	queue   chan item

	mu      sync.RWMutex
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewDispatcher(cfg Config, sender Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 64
	}
	return &Dispatcher{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		queue:   make(chan item, qs),
	}
}

// Start launches the delivery worker. Safe to call once; later calls are
// no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.startOnce.Do(func() {
		wctx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(wctx)
		}()
	})
}

// Stop closes the intake and waits for the worker to drain what is already
// queued, so an alert accepted before shutdown is still delivered. Safe to
// call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()

		close(d.queue)
		d.wg.Wait()
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// AlertTaskFailure enqueues one failure alert. It never blocks: when the
// queue is full the alert is dropped with a warning, and after Stop it is
// discarded.
func (d *Dispatcher) AlertTaskFailure(taskType, errorMessage string) {
	if !d.cfg.Enabled || d.sender == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return
	}
	select {
	case d.queue <- item{taskType: taskType, errMsg: errorMessage, at: time.Now()}:
	default:
		d.log.Warn("alert queue full, dropping alert", logx.String("task_type", taskType))
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-d.queue:
			if !ok {
				// intake closed by Stop: queue drained, worker done
				return
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			subject := fmt.Sprintf("Task Failure: %s", it.taskType)
			body := fmt.Sprintf("Task %q failed at %s: %s", it.taskType, it.at.Format(time.RFC3339), it.errMsg)
			if err := d.sender.Send(ctx, subject, body); err != nil {
				// Alerting must not raise; a failed delivery is only logged.
				d.log.Error("alert delivery failed", logx.String("task_type", it.taskType), logx.Err(err))
			} else {
				d.log.Info("alert sent", logx.String("task_type", it.taskType))
			}
		}
	}
}

// LogSender is the default Sender when no transport is wired: alerts land
// in the log stream instead of disappearing.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(ctx context.Context, subject, body string) error {
	s.Log.Warn("ALERT", logx.String("subject", subject), logx.String("body", body))
	return nil
}

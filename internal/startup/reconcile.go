// Package startup holds one-shot boot-time checks that must run before the
// scheduler starts firing.
package startup

import (
	"context"
	"time"

	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// interruptedMessage is the fixed explanation written to recovered rows.
const interruptedMessage = "system shutdown or interruption detected"

// ReconcileZombieTasks finds TaskLog rows stuck in "running" from an
// unclean shutdown and marks them "interrupted". A clean boot commits
// nothing; a failed sweep is logged and swallowed, since it must never block
// startup, and it does not retry within the same run.
func ReconcileZombieTasks(ctx context.Context, store storage.Store, log logx.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	n, err := store.CountRunning(ctx)
	if err != nil {
		log.Error("startup reconciliation failed", logx.Err(err))
		return
	}
	if n == 0 {
		log.Info("startup reconciliation: no zombie tasks found")
		return
	}

	log.Warn("startup reconciliation: zombie tasks found, marking interrupted", logx.Int64("count", n))
	updated, err := store.MarkInterrupted(ctx, time.Now(), interruptedMessage)
	if err != nil {
		log.Error("startup reconciliation failed", logx.Err(err))
		return
	}
	log.Info("startup reconciliation: recovered tasks", logx.Int64("count", updated))
}

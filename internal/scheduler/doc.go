// Package scheduler owns the in-memory job table: triggers, per-job
// concurrency policy, and the job lifecycle (pause/resume/remove/run-now).
//
// The scheduler is trigger and dispatch only. Running a task invocation
// (TaskLog lifecycle, fallback, alerting) belongs to the execution service,
// which the scheduler reaches through the Runner interface.
//
// Policy semantics (misfire grace, coalesce, max instances) are evaluated
// by the scheduler's own tick loop; robfig/cron supplies only cron-spec
// parsing and next-run computation.
package scheduler

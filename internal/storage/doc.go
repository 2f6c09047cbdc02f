// Package storage owns the durable execution history.
//
// The TaskLog table records one row per task invocation; the Fallback
// writer is the append-only disk artifact used when the database itself is
// unreachable. Nothing in the running system ever reads the fallback file.
package storage

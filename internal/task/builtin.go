package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "taskpilot/pkg/logx"
)

// cleanupRetention bounds how old a *.tmp file must be before the cleanup
// task removes it.
const cleanupRetention = 24 * time.Hour

// Backup writes a point-in-time backup artifact under Paths.DataDir.
type Backup struct {
	base
	paths Paths
}

func NewBackup(deps Deps, name string) *Backup {
	return &Backup{base: newBase(name, "Backup", deps.Log), paths: deps.Paths}
}

func (t *Backup) Execute(ctx context.Context) Result {
	t.logStart()

	ts := time.Now().Format(artifactTimeFormat)
	file := filepath.Join(t.paths.DataDir, fmt.Sprintf("backup_%s.json", ts))

	payload := map[string]any{
		"timestamp": ts,
		"type":      "full_backup",
		"status":    "completed",
	}
	if err := writeJSON(file, payload); err != nil {
		t.logFail(err)
		return Failure(err)
	}

	t.logDone()
	return Success(map[string]any{"file": file, "timestamp": ts})
}

// Cleanup removes stale temporary files from Paths.DataDir.
type Cleanup struct {
	base
	paths Paths
}

func NewCleanup(deps Deps, name string) *Cleanup {
	return &Cleanup{base: newBase(name, "Cleanup", deps.Log), paths: deps.Paths}
}

func (t *Cleanup) Execute(ctx context.Context) Result {
	t.logStart()

	cutoff := time.Now().Add(-cleanupRetention)
	removed := 0
	var freed int64

	entries, err := os.ReadDir(t.paths.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing to clean: empty data dir is a successful no-op.
			t.logDone()
			return Success(map[string]any{"files_removed": 0, "bytes_freed": int64(0)})
		}
		t.logFail(err)
		return Failure(err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			t.logFail(ctx.Err())
			return Failure(ctx.Err())
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(t.paths.DataDir, e.Name())
		if err := os.Remove(path); err != nil {
			t.log.Warn("cleanup: remove failed", logx.String("path", path), logx.Err(err))
			continue
		}
		removed++
		freed += info.Size()
	}

	t.logDone()
	return Success(map[string]any{"files_removed": removed, "bytes_freed": freed})
}

// Report writes a system status report artifact, pulling live task
// counters through the injected StatsFunc when available.
type Report struct {
	base
	paths Paths
	stats StatsFunc
}

func NewReport(deps Deps, name string) *Report {
	return &Report{base: newBase(name, "Report", deps.Log), paths: deps.Paths, stats: deps.Stats}
}

func (t *Report) Execute(ctx context.Context) Result {
	t.logStart()

	ts := time.Now().Format(artifactTimeFormat)
	file := filepath.Join(t.paths.DataDir, fmt.Sprintf("report_%s.json", ts))

	report := map[string]any{
		"generated_at":  ts,
		"system_status": "operational",
	}
	if t.stats != nil {
		counters, err := t.stats(ctx)
		if err != nil {
			// A report without counters is still a report.
			t.log.Warn("report: stats unavailable", logx.Err(err))
		} else {
			for k, v := range counters {
				report[k] = v
			}
		}
	}

	if err := writeJSON(file, report); err != nil {
		t.logFail(err)
		return Failure(err)
	}

	t.logDone()
	return Success(map[string]any{"report_file": file})
}

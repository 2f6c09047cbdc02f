package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "taskpilot/pkg/logx"
)

// FallbackEntry is one line of the disk fallback log, written only when the
// database is unavailable during TaskLog creation or finalization. The file
// is a human/ops recovery artifact; the running system never reads it.
type FallbackEntry struct {
	Timestamp string `json:"timestamp"`
	TaskType  string `json:"task_type"`
	Status    string `json:"status"`
	Data      any    `json:"data"`
}

// Fallback appends JSONL entries to a single file. The file is opened
// lazily on the first fault so a healthy system never touches it. It is
// never truncated or rotated by this subsystem.
type Fallback struct {
	mu   sync.Mutex
	path string
	file *os.File
	log  logx.Logger
}

func NewFallback(path string, log logx.Logger) *Fallback {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fallback{path: path, log: log}
}

func (f *Fallback) Append(e FallbackEntry) error {
	if f == nil || strings.TrimSpace(f.path) == "" {
		return errors.New("fallback path not configured")
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339Nano)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return err
		}
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		f.file = file
	}

	if err := json.NewEncoder(f.file).Encode(e); err != nil {
		return err
	}
	f.log.Warn("fallback entry written to disk", logx.String("task_type", e.TaskType), logx.String("status", e.Status))
	return nil
}

func (f *Fallback) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the application configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tasks     TasksConfig     `json:"tasks"`
	Alerts    AlertsConfig    `json:"alerts"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path,omitempty"`

	// BusyTimeout is how long sqlite waits on a locked database.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls trigger dispatch.
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from
// an explicit false.
type SchedulerConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Tick      string `json:"tick,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

type TasksConfig struct {
	// DataDir is where built-in tasks write their artifacts.
	DataDir string `json:"data_dir,omitempty"`

	// FallbackPath is the append-only JSONL file used when the database
	// is unreachable during execution logging.
	FallbackPath string `json:"fallback_path,omitempty"`
}

type AlertsConfig struct {
	Enabled    bool `json:"enabled,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	QueueSize  int  `json:"queue_size,omitempty"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Console == nil {
		v := true
		c.Logging.Console = &v
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = "./data/taskpilot.db"
	}
	if strings.TrimSpace(c.Database.BusyTimeout) == "" {
		c.Database.BusyTimeout = "5s"
	}
	if c.Scheduler.Enabled == nil {
		v := true
		c.Scheduler.Enabled = &v
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 2
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = 256
	}
	if strings.TrimSpace(c.Scheduler.Tick) == "" {
		c.Scheduler.Tick = "250ms"
	}
	if strings.TrimSpace(c.Tasks.DataDir) == "" {
		c.Tasks.DataDir = "./data"
	}
	if strings.TrimSpace(c.Tasks.FallbackPath) == "" {
		c.Tasks.FallbackPath = "./logs/task_execution_fallback.jsonl"
	}
	if c.Alerts.RatePerSec <= 0 {
		c.Alerts.RatePerSec = 1
	}
	if c.Alerts.QueueSize <= 0 {
		c.Alerts.QueueSize = 64
	}
}

// Validate rejects configs the services could not run with. Call after
// ApplyDefaults.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("database.busy_timeout", c.Database.BusyTimeout); err != nil {
		return err
	}
	tick, err := ParseDurationField("scheduler.tick", c.Scheduler.Tick)
	if err != nil {
		return err
	}
	if tick <= 0 {
		return fmt.Errorf("scheduler.tick: must be > 0")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// ParseDurationField parses a Go duration string from a config field,
// rejecting negatives. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"taskpilot/pkg/logx"
)

// Parse decodes YAML strictly: unknown keys are an error so typos fail at
// load time instead of silently running on defaults. The document is
// normalized to JSON first, which lets the rest of the package work with a
// single tag set.
func Parse(raw []byte) (*Config, error) {
	jsonBytes, err := yamlToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML rewrites map[any]any trees (as produced by YAML anchors and
// non-string keys) into map[string]any so they survive json.Marshal.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// Subscriber receives the new config after every successful reload.
type Subscriber func(cfg *Config)

// Manager owns the config file: initial load, live view, and hot reload via
// fsnotify. Failed reloads keep the last good config.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	current  *Config
	lastHash [32]byte
	subs     map[int]Subscriber
	nextSub  int
}

func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{
		path: path,
		log:  log.With(logx.String("component", "config")),
		subs: make(map[int]Subscriber),
	}
}

// Load reads and parses the file, replacing the current config.
func (m *Manager) Load() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", m.path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = cfg
	m.lastHash = sha256.Sum256(raw)
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the last successfully loaded config, or nil before Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers fn for reload notifications and returns an id for
// Unsubscribe. fn runs on the watcher goroutine; keep it fast.
func (m *Manager) Subscribe(fn Subscriber) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return id
}

func (m *Manager) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// Watch blocks until ctx is done, reloading the config whenever the file
// changes. Editors replace files rather than rewriting them in place, so
// we watch the parent directory and filter by name; the watcher is rebuilt
// with backoff if it dies.
func (m *Manager) Watch(ctx context.Context) error {
	const debounce = 300 * time.Millisecond

	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	backoff := time.Second
	for {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
		}
		if err != nil {
			m.log.Warn("config watcher unavailable, retrying",
				logx.Err(err), logx.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = m.watchLoop(ctx, w, base, debounce)
		_ = w.Close()
		if err != nil {
			return err
		}
		// watcher error channel closed; rebuild
		m.log.Warn("config watcher lost, rebuilding")
	}
}

// watchLoop returns a non-nil error only on ctx cancellation; nil means the
// watcher broke and should be rebuilt.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, base string, debounce time.Duration) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-fire:
			timer = nil
			fire = nil
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload skipped", logx.Err(err))
		return
	}
	sum := sha256.Sum256(raw)
	m.mu.RLock()
	same := sum == m.lastHash
	m.mu.RUnlock()
	if same {
		return
	}
	cfg, err := Parse(raw)
	if err != nil {
		m.log.Error("config reload rejected, keeping previous", logx.Err(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	m.lastHash = sum
	subs := make([]Subscriber, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("path", m.path))
	for _, fn := range subs {
		fn(cfg)
	}
}

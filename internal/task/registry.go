package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "taskpilot/pkg/logx"
)

// Built-in task type names.
const (
	TypeBackup  = "backup"
	TypeCleanup = "cleanup"
	TypeReport  = "report"
)

// ConfigurationError reports a task type the registry does not know.
// It is fatal to the single request, never to the process.
type ConfigurationError struct {
	Type      string
	Available []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown task type: %q (available: %s)", e.Type, strings.Join(e.Available, ", "))
}

// Constructor builds a fresh task instance for one invocation.
type Constructor func(deps Deps, name string) Task

// Registry maps task-type names to constructors. Keys are case-insensitive.
// It is the single owner of the mapping; extension happens only through
// explicit Register calls, never by reflection or auto-discovery.
type Registry struct {
	mu    sync.Mutex
	log   logx.Logger
	deps  Deps
	ctors map[string]Constructor
}

// NewRegistry returns a registry pre-populated with the built-in task types.
func NewRegistry(deps Deps, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Log.IsZero() {
		deps.Log = log
	}
	r := &Registry{log: log, deps: deps, ctors: map[string]Constructor{}}
	r.Register(TypeBackup, func(d Deps, name string) Task { return NewBackup(d, name) })
	r.Register(TypeCleanup, func(d Deps, name string) Task { return NewCleanup(d, name) })
	r.Register(TypeReport, func(d Deps, name string) Task { return NewReport(d, name) })
	return r
}

// Register adds or replaces a task type. Last writer wins; replacing an
// existing type is logged so silent shadowing shows up in the logs.
func (r *Registry) Register(taskType string, ctor Constructor) {
	key := strings.ToLower(strings.TrimSpace(taskType))
	if key == "" || ctor == nil {
		return
	}
	r.mu.Lock()
	_, existed := r.ctors[key]
	r.ctors[key] = ctor
	r.mu.Unlock()
	if existed {
		r.log.Warn("task type re-registered", logx.String("type", key))
	} else {
		r.log.Info("task type registered", logx.String("type", key))
	}
}

// Create resolves a task type to a fresh instance. Unknown types fail fast
// with a ConfigurationError listing what is registered; no default or no-op
// task is ever constructed.
func (r *Registry) Create(taskType, name string) (Task, error) {
	key := strings.ToLower(strings.TrimSpace(taskType))
	r.mu.Lock()
	ctor := r.ctors[key]
	deps := r.deps
	r.mu.Unlock()
	if ctor == nil {
		return nil, &ConfigurationError{Type: taskType, Available: r.Types()}
	}
	return ctor(deps, name), nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

package task

import (
	"fmt"
	"sort"
	"strings"
)

// Result statuses. Distinct from Status: a Result reports the outcome the
// caller sees, Status tracks the instance's own lifecycle.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Result is the structured outcome of one Execute call.
type Result struct {
	Status string
	Data   map[string]any
	Err    string
}

func Success(data map[string]any) Result {
	return Result{Status: ResultSuccess, Data: data}
}

func Failure(err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{Status: ResultFailed, Err: msg}
}

func Failuref(format string, args ...any) Result {
	return Result{Status: ResultFailed, Err: fmt.Sprintf(format, args...)}
}

func (r Result) Failed() bool { return r.Status != ResultSuccess }

// String renders the result with stable key ordering so TaskLog payloads
// are deterministic and diffable.
func (r Result) String() string {
	var b strings.Builder
	b.WriteString("status=")
	b.WriteString(r.Status)
	if r.Err != "" {
		b.WriteString(" error=")
		b.WriteString(r.Err)
	}
	if len(r.Data) > 0 {
		keys := make([]string, 0, len(r.Data))
		for k := range r.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			fmt.Fprintf(&b, "%v", r.Data[k])
		}
	}
	return b.String()
}


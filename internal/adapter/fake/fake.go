// Package fake provides in-memory adapter doubles that record every call and
// return scripted outcomes.
package fake

import (
	"strings"
	"sync"
)

// Call is one recorded adapter invocation.
type Call struct {
	Op   string
	Args []string
}

func (c Call) String() string {
	return c.Op + "(" + strings.Join(c.Args, ", ") + ")"
}

// Recorder collects calls in order. It is safe for concurrent use.
type Recorder struct {
	callsMu sync.Mutex
	calls   []Call
}

func (r *Recorder) record(op string, args ...string) {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	r.calls = append(r.calls, Call{Op: op, Args: args})
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many times op was called.
func (r *Recorder) Count(op string) int {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets all recorded calls.
func (r *Recorder) Reset() {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	r.calls = nil
}

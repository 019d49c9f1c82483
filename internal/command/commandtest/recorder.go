// Package commandtest provides a recording command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"
)

// Recorder records every invocation and optionally fails some of them.
type Recorder struct {
	mu    sync.Mutex
	Calls [][]string

	// FailWith returns the error for a call, or nil to succeed
	FailWith func(name string, args []string) error

	// OnRun is invoked before FailWith, e.g. to inspect files a command consumes
	OnRun func(name string, args []string)
}

// Run implements command.Runner.
func (r *Recorder) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	r.Calls = append(r.Calls, append([]string{name}, args...))
	r.mu.Unlock()

	if r.OnRun != nil {
		r.OnRun(name, args)
	}
	if r.FailWith != nil {
		return r.FailWith(name, args)
	}
	return nil
}

// CommandLines returns the recorded calls joined by spaces.
func (r *Recorder) CommandLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		lines = append(lines, strings.Join(c, " "))
	}
	return lines
}

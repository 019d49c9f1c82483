// Package diagnostics runs failure actions after a failed run, such as
// dumping the state of the namespace.
package diagnostics

import (
	"context"
	"fmt"
	"sort"

	"github.com/moolen/apptest/internal/inject"
	"github.com/moolen/apptest/internal/logging"
)

// Action is a failure action. Its dependencies are injected into tagged
// fields before Run is called.
type Action interface {
	Run(ctx context.Context) error
}

// Factory creates a fresh action.
type Factory func() Action

// ActionError is the failure of one action. It is logged, never propagated.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("failure action %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Registry maps action names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry holding the built-in actions.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("cluster-status", func() Action { return &ClusterStatus{} })
	r.Register("events", func() Action { return &Events{} })
	r.Register("pod-logs", func() Action { return &PodLogs{TailLines: 100} })
	return r
}

// Register adds or replaces an action.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Runner runs a fixed list of actions.
type Runner struct {
	registry *Registry
	names    []string
	logger   *logging.Logger
}

// NewRunner creates a runner for the named actions, run in order.
func NewRunner(registry *Registry, names []string) *Runner {
	return &Runner{
		registry: registry,
		names:    names,
		logger:   logging.GetLogger("diagnostics"),
	}
}

// Run executes every action. A failing or panicking action is logged and
// the remaining actions still run. The failures are returned for reporting.
func (r *Runner) Run(ctx context.Context, src inject.Source) []error {
	var errs []error
	for _, name := range r.names {
		if err := r.runOne(ctx, name, src); err != nil {
			r.logger.ErrorWithErr("failure action failed", err)
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Runner) runOne(ctx context.Context, name string, src inject.Source) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ActionError{Action: name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	factory, ok := r.registry.factories[name]
	if !ok {
		return &ActionError{Action: name, Err: fmt.Errorf("unknown action, registered: %v", r.registry.Names())}
	}

	action := factory()
	if err := inject.Fields(ctx, action, src); err != nil {
		return &ActionError{Action: name, Err: err}
	}

	r.logger.Info("running failure action %s", name)
	if err := action.Run(ctx); err != nil {
		return &ActionError{Action: name, Err: err}
	}
	return nil
}

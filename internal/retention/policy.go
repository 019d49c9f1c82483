// Package retention decides what a finished run cleans up.
package retention

// Flags are the inputs of a retention decision.
type Flags struct {
	Ephemeral        bool
	RetainOnFailure  bool
	Failed           bool
	ManualDeployment bool
}

// Decision says which cleanup steps the teardown performs.
type Decision struct {
	DeleteApplication bool
	DropNamespace     bool
}

// Decide computes the cleanup for a finished run.
//
// A dropped ephemeral namespace takes its contents with it, so resources are
// deleted one by one only outside ephemeral mode. A failed run with
// retain-on-failure keeps everything. Manually deployed applications are
// never deleted by the harness.
func Decide(f Flags) Decision {
	retained := f.Retained()
	return Decision{
		DeleteApplication: !f.ManualDeployment && !f.Ephemeral && !retained,
		DropNamespace:     f.Ephemeral && !retained,
	}
}

// Retained reports whether a failed run keeps its artifacts.
func (f Flags) Retained() bool {
	return f.RetainOnFailure && f.Failed
}

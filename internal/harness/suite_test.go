package harness

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/diagnostics"
)

func TestRunUnit(t *testing.T) {
	f := newFixture(t)

	type greeter struct {
		Client *cluster.Client `inject:""`
	}

	var ran []string
	RunUnit(t, Unit{Name: "HelloIT"}, f.cfg, []Test{
		{Name: "greets", Run: func(t *testing.T, run *RunContext) {
			var g greeter
			require.NoError(t, run.Inject(t.Context(), &g))
			assert.Equal(t, "apps", g.Client.Namespace())
			ran = append(ran, "greets")
		}},
		{Name: "client", Run: func(t *testing.T, run *RunContext) {
			httpConfig, ok := run.HTTPClientConfig()
			require.True(t, ok)
			assert.IsType(t, &http.Client{}, httpConfig.Client())
			ran = append(ran, "client")
		}},
	}, f.opts...)

	assert.Equal(t, []string{"greets", "client"}, ran)
	assert.False(t, f.deploymentExists(t, "apps"), "unit torn down")
	assert.Contains(t, f.logs.String(), "---------- running test HelloIT.client ----------")
}

const panicChildEnv = "APPTEST_HARNESS_PANIC_CHILD"

type markerAction struct{}

func (*markerAction) Run(context.Context) error {
	fmt.Println("marker: diagnostics ran")
	return nil
}

// TestRunUnit_PanickingTestTearsDown runs itself in a child process whose
// only test panics, and checks that the unit was still torn down as failed.
func TestRunUnit_PanickingTestTearsDown(t *testing.T) {
	if os.Getenv(panicChildEnv) == "1" {
		f := newFixture(t)
		f.cfg.Diagnostics = []string{"marker"}
		registry := diagnostics.NewRegistry()
		registry.Register("marker", func() diagnostics.Action { return &markerAction{} })

		unit := Unit{
			Name: "HelloIT",
			PostUndeploy: []any{func() {
				fmt.Printf("marker: deployment exists=%t\n", f.deploymentExists(t, "apps"))
			}},
		}
		RunUnit(t, unit, f.cfg, []Test{
			{Name: "panics", Run: func(*testing.T, *RunContext) {
				var m map[string]int
				m["boom"] = 1
			}},
		}, append(f.opts, WithRegistry(registry))...)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestRunUnit_PanickingTestTearsDown$", "-test.v")
	cmd.Env = append(os.Environ(), panicChildEnv+"=1")
	out, err := cmd.CombinedOutput()

	require.Error(t, err, "child test must fail")
	assert.Contains(t, string(out), "assignment to entry in nil map")
	assert.Contains(t, string(out), "marker: diagnostics ran")
	assert.Contains(t, string(out), "marker: deployment exists=false")
}

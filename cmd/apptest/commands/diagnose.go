package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/diagnostics"
	"github.com/moolen/apptest/internal/harness"
)

var (
	diagnoseNamespace string
	diagnoseActions   []string
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run the failure actions against a namespace",
	Long: `Runs the configured failure actions, such as the pod status, events and
pod logs, against a namespace kept by a failed run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(diagnoseActions) > 0 {
			cfg.Diagnostics = diagnoseActions
		}
		return runDiagnose(cmd.Context(), cfg, diagnoseNamespace, cluster.New, diagnostics.DefaultRegistry())
	},
}

func init() {
	diagnoseCmd.Flags().StringVarP(&diagnoseNamespace, "namespace", "n", "", "Namespace to inspect (required)")
	diagnoseCmd.Flags().StringSliceVar(&diagnoseActions, "action", nil,
		fmt.Sprintf("Failure action to run, repeatable (available: %v)", diagnostics.DefaultRegistry().Names()))

	_ = diagnoseCmd.MarkFlagRequired("namespace")
}

func runDiagnose(ctx context.Context, cfg *config.Config, namespace string, newClient harness.ClientFactory, registry *diagnostics.Registry) error {
	run := harness.NewRunContext(cfg, namespace, newClient)
	if errs := diagnostics.NewRunner(registry, cfg.Diagnostics).Run(ctx, run); len(errs) > 0 {
		return fmt.Errorf("%d of %d failure actions failed", len(errs), len(cfg.Diagnostics))
	}
	return nil
}

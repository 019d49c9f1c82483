package commands

import (
	"context"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/logging"
)

var (
	gcOlderThan   time.Duration
	gcDryRun      bool
	gcConcurrency int
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete ephemeral namespaces left behind by failed runs",
	Long: `Deletes every namespace labelled as ephemeral by apptest that is older
than --older-than. Namespaces already terminating are skipped.`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().DurationVar(&gcOlderThan, "older-than", 24*time.Hour, "Only delete namespaces created before this duration ago")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "List the namespaces without deleting them")
	gcCmd.Flags().IntVar(&gcConcurrency, "concurrency", 4, "Number of namespaces deleted in parallel")
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := cluster.New(cfg)
	if err != nil {
		return err
	}

	_, err = collectNamespaces(cmd.Context(), client, gcOptions{
		OlderThan:   gcOlderThan,
		DryRun:      gcDryRun,
		Concurrency: gcConcurrency,
		Now:         time.Now(),
	})
	return err
}

type gcOptions struct {
	OlderThan   time.Duration
	DryRun      bool
	Concurrency int
	Now         time.Time
}

// collectNamespaces deletes the expired ephemeral namespaces and returns
// their names, sorted.
func collectNamespaces(ctx context.Context, client *cluster.Client, opts gcOptions) ([]string, error) {
	logger := logging.GetLogger("gc")

	namespaces, err := client.ListNamespaces(ctx, cluster.EphemeralLabel+"=true")
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, ns := range namespaces {
		if ns.Status.Phase == corev1.NamespaceTerminating {
			continue
		}
		if opts.Now.Sub(ns.CreationTimestamp.Time) < opts.OlderThan {
			continue
		}
		expired = append(expired, ns.Name)
	}
	sort.Strings(expired)

	if opts.DryRun {
		for _, name := range expired {
			logger.Info("would delete namespace %s", name)
		}
		return expired, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for _, name := range expired {
		g.Go(func() error {
			return client.DeleteNamespace(ctx, name)
		})
	}
	if err := g.Wait(); err != nil {
		return expired, err
	}

	logger.Info("deleted %d ephemeral namespaces", len(expired))
	return expired, nil
}

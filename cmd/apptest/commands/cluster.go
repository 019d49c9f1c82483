package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/logging"
)

var kindName string

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage a local kind cluster for test runs",
}

var clusterUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create the kind cluster, or reuse it when it exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		kubeContext, err := cluster.KindUp(kindName)
		if err != nil {
			return err
		}
		logging.GetLogger("cluster").Info("cluster ready, use kind_cluster=%s or kube context %s", kindName, kubeContext)
		return nil
	},
}

var clusterDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Delete the kind cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cluster.KindDown(kindName)
	},
}

var clusterKubeconfigCmd = &cobra.Command{
	Use:   "kubeconfig",
	Short: "Print the kubeconfig of the kind cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		kubeconfig, err := cluster.KindKubeconfig(kindName)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), kubeconfig)
		return err
	},
}

func init() {
	clusterCmd.PersistentFlags().StringVar(&kindName, "name", "apptest", "Name of the kind cluster")

	clusterCmd.AddCommand(clusterUpCmd)
	clusterCmd.AddCommand(clusterDownCmd)
	clusterCmd.AddCommand(clusterKubeconfigCmd)
}

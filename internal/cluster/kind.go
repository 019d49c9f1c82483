package cluster

import (
	"fmt"
	"slices"
	"strings"

	"sigs.k8s.io/kind/pkg/apis/config/v1alpha4"
	kindcluster "sigs.k8s.io/kind/pkg/cluster"

	"github.com/moolen/apptest/internal/logging"
)

// KindKubeconfig returns the external kubeconfig of a running kind cluster.
func KindKubeconfig(name string) (string, error) {
	kubeconfig, err := kindcluster.NewProvider().KubeConfig(name, false)
	if err != nil {
		return "", fmt.Errorf("failed to get kubeconfig of kind cluster %s: %w", name, err)
	}
	return kubeconfig, nil
}

// KindUp creates a single-node kind cluster unless one with that name exists.
// It returns the kubeconfig context name.
func KindUp(name string) (string, error) {
	logger := logging.GetLogger("cluster")
	provider := kindcluster.NewProvider()

	clusters, err := provider.List()
	if err != nil {
		return "", fmt.Errorf("failed to list existing clusters: %w", err)
	}
	if slices.Contains(clusters, name) {
		logger.Info("Reusing existing kind cluster: %s", name)
		return kindContext(name), nil
	}

	logger.Info("Creating kind cluster: %s", name)
	cfg := &v1alpha4.Cluster{
		TypeMeta: v1alpha4.TypeMeta{
			APIVersion: "kind.x-k8s.io/v1alpha4",
			Kind:       "Cluster",
		},
		Name: name,
		Nodes: []v1alpha4.Node{
			{Role: v1alpha4.ControlPlaneRole},
		},
	}
	if err := provider.Create(name, kindcluster.CreateWithV1Alpha4Config(cfg)); err != nil {
		return "", fmt.Errorf("failed to create kind cluster: %w", err)
	}

	logger.Info("✓ Kind cluster created: %s", name)
	return kindContext(name), nil
}

// KindDown deletes a kind cluster. A missing cluster is not an error.
func KindDown(name string) error {
	logger := logging.GetLogger("cluster")
	logger.Info("Deleting kind cluster: %s", name)

	if err := kindcluster.NewProvider().Delete(name, ""); err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("failed to delete kind cluster: %w", err)
		}
	}

	logger.Info("✓ Kind cluster deleted: %s", name)
	return nil
}

func kindContext(name string) string {
	return "kind-" + name
}

package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// EphemeralLabel marks namespaces created for a single run.
const EphemeralLabel = "apptest.io/ephemeral"

// CreateNamespace creates a namespace carrying the given labels.
func (c *Client) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	c.logger.Info("Creating namespace: %s", name)

	namespace := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}

	if _, err := c.Clientset.CoreV1().Namespaces().Create(ctx, namespace, metav1.CreateOptions{FieldManager: FieldManager}); err != nil {
		return fmt.Errorf("failed to create namespace %s: %w", name, err)
	}

	c.logger.Info("✓ Namespace created: %s", name)
	return nil
}

// DeleteNamespace deletes a namespace. A namespace that is already gone is
// not an error.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	c.logger.Info("Deleting namespace: %s", name)

	propagation := metav1.DeletePropagationBackground
	err := c.Clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if apierrors.IsNotFound(err) {
		c.logger.Debug("namespace %s already gone", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}

	c.logger.Info("✓ Namespace deleted: %s", name)
	return nil
}

// ListNamespaces returns the namespaces matching a label selector.
func (c *Client) ListNamespaces(ctx context.Context, selector string) ([]corev1.Namespace, error) {
	list, err := c.Clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	return list.Items, nil
}

package cluster

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PodWaiter blocks until exactly count pods matching selector are ready.
type PodWaiter interface {
	PodsReady(ctx context.Context, selector string, count int) error
}

// Util bundles higher level workload operations that wait for their effect.
type Util struct {
	client *Client
	waiter PodWaiter
}

// NewUtil creates a Util operating through client and waiting with waiter.
func NewUtil(client *Client, waiter PodWaiter) *Util {
	return &Util{client: client, waiter: waiter}
}

// Scale sets the replicas of a deployment and waits until that many of its
// pods are ready.
func (u *Util) Scale(ctx context.Context, deployment string, replicas int32) error {
	selector, _, err := u.deploymentPods(ctx, deployment)
	if err != nil {
		return err
	}
	if err := u.client.ScaleDeployment(ctx, deployment, replicas); err != nil {
		return err
	}
	return u.waiter.PodsReady(ctx, selector, int(replicas))
}

// RestartPods deletes the pods of a deployment and waits for the
// replacements to become ready.
func (u *Util) RestartPods(ctx context.Context, deployment string) error {
	selector, replicas, err := u.deploymentPods(ctx, deployment)
	if err != nil {
		return err
	}
	if err := u.client.DeletePods(ctx, selector); err != nil {
		return err
	}
	return u.waiter.PodsReady(ctx, selector, int(replicas))
}

// deploymentPods returns the pod selector and desired replicas of a deployment.
func (u *Util) deploymentPods(ctx context.Context, deployment string) (string, int32, error) {
	d, err := u.client.Clientset.AppsV1().Deployments(u.client.namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("failed to get deployment %s: %w", deployment, err)
	}
	selector, err := metav1.LabelSelectorAsSelector(d.Spec.Selector)
	if err != nil {
		return "", 0, fmt.Errorf("invalid selector of deployment %s: %w", deployment, err)
	}

	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}
	return selector.String(), replicas, nil
}

package cluster

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ListPods lists pods in the client's namespace.
func (c *Client) ListPods(ctx context.Context, selector string) ([]corev1.Pod, error) {
	opts := metav1.ListOptions{}
	if selector != "" {
		opts.LabelSelector = selector
	}
	list, err := c.Clientset.CoreV1().Pods(c.namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	return list.Items, nil
}

// DeletePods deletes the pods matching selector.
func (c *Client) DeletePods(ctx context.Context, selector string) error {
	err := c.Clientset.CoreV1().Pods(c.namespace).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("failed to delete pods %q: %w", selector, err)
	}
	return nil
}

// ListEvents returns the namespace events, oldest first.
func (c *Client) ListEvents(ctx context.Context) ([]corev1.Event, error) {
	list, err := c.Clientset.CoreV1().Events(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := list.Items
	sort.SliceStable(events, func(i, j int) bool {
		return eventTime(events[i]).Before(eventTime(events[j]))
	})
	return events, nil
}

func eventTime(e corev1.Event) time.Time {
	if !e.LastTimestamp.IsZero() {
		return e.LastTimestamp.Time
	}
	if !e.EventTime.IsZero() {
		return e.EventTime.Time
	}
	return e.CreationTimestamp.Time
}

// PodLogs copies the last tailLines log lines of a container to w.
func (c *Client) PodLogs(ctx context.Context, pod, container string, tailLines int64, w io.Writer) error {
	opts := &corev1.PodLogOptions{Container: container}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}

	stream, err := c.Clientset.CoreV1().Pods(c.namespace).GetLogs(pod, opts).Stream(ctx)
	if err != nil {
		return fmt.Errorf("failed to get logs of %s/%s: %w", pod, container, err)
	}
	defer stream.Close()

	_, err = io.Copy(w, stream)
	return err
}

// ScaleDeployment sets the replica count of a deployment.
func (c *Client) ScaleDeployment(ctx context.Context, name string, replicas int32) error {
	deployments := c.Clientset.AppsV1().Deployments(c.namespace)

	scale, err := deployments.GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get scale of deployment %s: %w", name, err)
	}

	scale.Spec.Replicas = replicas
	if _, err := deployments.UpdateScale(ctx, name, scale, metav1.UpdateOptions{FieldManager: FieldManager}); err != nil {
		return fmt.Errorf("failed to scale deployment %s: %w", name, err)
	}

	c.logger.Info("✓ Deployment %s scaled to %d", name, replicas)
	return nil
}

// IsPodReady reports whether the pod's Ready condition is true.
func IsPodReady(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

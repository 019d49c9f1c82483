package diagnostics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/duration"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/logging"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

// ClusterStatus logs the pods of the namespace.
type ClusterStatus struct {
	Client *cluster.Client `inject:""`
}

func (a *ClusterStatus) Run(ctx context.Context) error {
	pods, err := a.Client.ListPods(ctx, "")
	if err != nil {
		return err
	}

	t := newTable("POD", "PHASE", "READY", "RESTARTS", "AGE")
	for i := range pods {
		pod := &pods[i]
		t.Row(pod.Name, string(pod.Status.Phase), readyCount(pod), strconv.Itoa(restarts(pod)), age(pod.CreationTimestamp.Time))
	}

	logging.GetLogger("diagnostics").Info("pods in namespace %s:\n%s", a.Client.Namespace(), t.String())
	return nil
}

func readyCount(pod *corev1.Pod) string {
	ready := 0
	for _, status := range pod.Status.ContainerStatuses {
		if status.Ready {
			ready++
		}
	}
	return fmt.Sprintf("%d/%d", ready, len(pod.Spec.Containers))
}

func restarts(pod *corev1.Pod) int {
	n := 0
	for _, status := range pod.Status.ContainerStatuses {
		n += int(status.RestartCount)
	}
	return n
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return duration.HumanDuration(time.Since(t))
}

// Events logs the events of the namespace, oldest first.
type Events struct {
	Client *cluster.Client `inject:""`
}

func (a *Events) Run(ctx context.Context) error {
	events, err := a.Client.ListEvents(ctx)
	if err != nil {
		return err
	}

	t := newTable("TYPE", "REASON", "OBJECT", "MESSAGE")
	for _, e := range events {
		object := strings.ToLower(e.InvolvedObject.Kind) + "/" + e.InvolvedObject.Name
		t.Row(e.Type, e.Reason, object, strings.TrimSpace(e.Message))
	}

	logging.GetLogger("diagnostics").Info("events in namespace %s:\n%s", a.Client.Namespace(), t.String())
	return nil
}

// PodLogs logs the tail of every container log in the namespace.
type PodLogs struct {
	Client    *cluster.Client `inject:""`
	TailLines int64
}

func (a *PodLogs) Run(ctx context.Context) error {
	pods, err := a.Client.ListPods(ctx, "")
	if err != nil {
		return err
	}

	logger := logging.GetLogger("diagnostics")
	var failed []string
	for _, pod := range pods {
		for _, container := range pod.Spec.Containers {
			var buf strings.Builder
			if err := a.Client.PodLogs(ctx, pod.Name, container.Name, a.TailLines, &buf); err != nil {
				failed = append(failed, pod.Name+"/"+container.Name)
				continue
			}
			logger.Info("logs of %s/%s:\n%s", pod.Name, container.Name, strings.TrimRight(buf.String(), "\n"))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("could not read logs of %s", strings.Join(failed, ", "))
	}
	return nil
}

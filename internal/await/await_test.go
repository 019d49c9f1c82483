package await

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/moolen/apptest/internal/cluster/clustertest"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/metadata"
)

// steppingClock advances fake time instead of blocking in After.
type steppingClock struct {
	*testingclock.FakeClock
}

func newSteppingClock() *steppingClock {
	return &steppingClock{testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
}

func (c *steppingClock) After(d time.Duration) <-chan time.Time {
	c.Step(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func TestUntil_FirstPollSucceeds(t *testing.T) {
	clk := newSteppingClock()
	polls := 0

	err := Until(context.Background(), clk, "thing", time.Minute, time.Second, func(context.Context) (bool, error) {
		polls++
		return true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, polls)
}

func TestUntil_ReturnsOnFirstTruePoll(t *testing.T) {
	clk := newSteppingClock()
	start := clk.Now()
	polls := 0

	err := Until(context.Background(), clk, "thing", time.Minute, 5*time.Second, func(context.Context) (bool, error) {
		polls++
		return polls == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, polls)
	assert.Equal(t, 10*time.Second, clk.Since(start))
}

func TestUntil_TimesOutAfterMinimumPolls(t *testing.T) {
	clk := newSteppingClock()
	polls := 0

	err := Until(context.Background(), clk, "route app", 10*time.Second, 3*time.Second, func(context.Context) (bool, error) {
		polls++
		return false, errors.New("not yet")
	})

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	// polls at 0s, 3s, 6s, 9s and a final one at 10s
	assert.Equal(t, 5, polls)
	assert.Equal(t, 10*time.Second, timeoutErr.Elapsed)
	assert.Equal(t, "route app", timeoutErr.Description)
	assert.Contains(t, err.Error(), "route app")
	assert.Contains(t, err.Error(), "10s")
	assert.Contains(t, err.Error(), "not yet")
	assert.True(t, IsTimeout(err))
}

func TestUntil_SlowPollsStillReachMinimum(t *testing.T) {
	clk := newSteppingClock()
	polls := 0

	err := Until(context.Background(), clk, "slow", 10*time.Second, 3*time.Second, func(context.Context) (bool, error) {
		polls++
		clk.Step(20 * time.Second)
		return false, nil
	})

	require.True(t, IsTimeout(err))
	assert.Equal(t, 4, polls)
}

func TestUntil_PermanentErrorFailsFast(t *testing.T) {
	clk := newSteppingClock()
	polls := 0
	gone := errors.New("gone for good")

	err := Until(context.Background(), clk, "thing", time.Minute, time.Second, func(context.Context) (bool, error) {
		polls++
		if polls == 2 {
			return false, Permanent(gone)
		}
		return false, nil
	})

	assert.Equal(t, gone, err)
	assert.Equal(t, 2, polls)
	assert.False(t, IsTimeout(err))
}

func TestUntil_ContextCancelled(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	err := Until(ctx, clk, "thing", time.Minute, time.Second, func(context.Context) (bool, error) {
		cancel()
		return false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestUntil_RejectsZeroInterval(t *testing.T) {
	err := Until(context.Background(), newSteppingClock(), "thing", time.Minute, 0, func(context.Context) (bool, error) {
		return true, nil
	})
	require.Error(t, err)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AwaitTimeout = time.Minute
	cfg.AwaitInterval = 5 * time.Second
	cfg.NotFoundGrace = 20 * time.Second
	cfg.RouteProbe = false
	return cfg
}

func TestAwaiter_ImageStreamReady(t *testing.T) {
	client := clustertest.NewClient("ns", nil, clustertest.ImageStream("ns", "openjdk-17", true))
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	require.NoError(t, a.ImageStreams(context.Background(), []string{"openjdk-17"}))
}

func TestAwaiter_ImageStreamNeverImportedTimesOut(t *testing.T) {
	client := clustertest.NewClient("ns", nil, clustertest.ImageStream("ns", "openjdk-17", false))
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	err := a.ImageStream(context.Background(), "openjdk-17")
	require.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "image stream openjdk-17")
}

func TestAwaiter_MissingImageStreamFailsAfterGrace(t *testing.T) {
	client := clustertest.NewClient("ns", nil)
	clk := newSteppingClock()
	start := clk.Now()
	a := New(client, testConfig(), WithClock(clk))

	err := a.ImageStream(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))
	assert.False(t, IsTimeout(err))
	assert.Equal(t, 20*time.Second, clk.Since(start))
}

func TestAwaiter_AppRouteWithProbe(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/q/health/ready" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hits++
		if hits < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host := strings.TrimPrefix(server.URL, "http://")
	client := clustertest.NewClient("ns", nil, clustertest.Route("ns", "hello", host, false))

	cfg := testConfig()
	cfg.RouteProbe = true
	a := New(client, cfg, WithClock(newSteppingClock()), WithHTTPClient(server.Client()))

	err := a.AppRoute(context.Background(), metadata.AppMetadata{
		AppName:       "hello",
		HTTPRoot:      "/api",
		KnownEndpoint: "/q/health/ready",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}

func TestAwaiter_AppRouteKnative(t *testing.T) {
	client := clustertest.NewClient("ns", nil, clustertest.KnativeRoute("ns", "hello", "https://hello.example.com"))
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	err := a.AppRoute(context.Background(), metadata.AppMetadata{
		AppName:          "hello",
		HTTPRoot:         "/",
		DeploymentTarget: metadata.DeploymentTargetKnative,
	})
	require.NoError(t, err)
}

func TestAwaiter_RouteMissing(t *testing.T) {
	client := clustertest.NewClient("ns", nil)
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	_, err := a.Route(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.True(t, apierrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "expose=true")
}

func TestAwaiter_KnativeRouteMissing(t *testing.T) {
	client := clustertest.NewClient("ns", nil)
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	err := a.AppRoute(context.Background(), metadata.AppMetadata{
		AppName:          "hello",
		DeploymentTarget: "openshift,knative",
	})
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Contains(t, err.Error(), "knative route hello")
}

func TestAwaiter_RouteWithoutHostIsNotConfigError(t *testing.T) {
	client := clustertest.NewClient("ns", nil, clustertest.Route("ns", "hello", "", false))
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	_, err := a.Route(context.Background(), "hello")
	require.True(t, IsTimeout(err))
	assert.False(t, config.IsConfigError(err))
}

func readyPod(name string, ready bool) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "ns", Labels: map[string]string{"app": "hello"}},
		Status: corev1.PodStatus{Conditions: []corev1.PodCondition{
			{Type: corev1.PodReady, Status: status},
		}},
	}
}

func TestAwaiter_PodsReady(t *testing.T) {
	client := clustertest.NewClient("ns", []runtime.Object{readyPod("a", true), readyPod("b", true)})
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	require.NoError(t, a.PodsReady(context.Background(), "app=hello", 2))
	assert.True(t, IsTimeout(a.PodsReady(context.Background(), "app=hello", 3)))
}

func TestAwaiter_PodsNotReady(t *testing.T) {
	client := clustertest.NewClient("ns", []runtime.Object{readyPod("a", true), readyPod("b", false)})
	a := New(client, testConfig(), WithClock(newSteppingClock()))

	assert.True(t, IsTimeout(a.PodsReady(context.Background(), "app=hello", 2)))
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://h/api/q/health", joinURL("http://h/", "/api/", "q/health"))
	assert.Equal(t, "http://h", joinURL("http://h", "/", ""))
}

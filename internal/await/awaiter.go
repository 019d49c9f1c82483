package await

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/utils/clock"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/logging"
	"github.com/moolen/apptest/internal/metadata"
)

// Awaiter provides the named waits of a run. All waits share the configured
// timeout and poll interval.
type Awaiter struct {
	client *cluster.Client
	clock  clock.Clock
	logger *logging.Logger

	timeout       time.Duration
	interval      time.Duration
	notFoundGrace time.Duration
	probe         bool
	httpClient    *http.Client
}

// Option customizes an Awaiter.
type Option func(*Awaiter)

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(a *Awaiter) { a.clock = clk }
}

// WithHTTPClient replaces the client used for route probes.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Awaiter) { a.httpClient = c }
}

// New creates an Awaiter for client using the timing settings of cfg.
func New(client *cluster.Client, cfg *config.Config, opts ...Option) *Awaiter {
	a := &Awaiter{
		client:        client,
		clock:         clock.RealClock{},
		logger:        logging.GetLogger("await"),
		timeout:       cfg.AwaitTimeout,
		interval:      cfg.AwaitInterval,
		notFoundGrace: cfg.NotFoundGrace,
		probe:         cfg.RouteProbe,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				// routes of test clusters use self-signed certificates
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Until waits for condition with the awaiter's timeout and interval.
func (a *Awaiter) Until(ctx context.Context, description string, condition ConditionFunc) error {
	a.logger.Debug("awaiting %s (timeout %s, interval %s)", description, a.timeout, a.interval)
	return Until(ctx, a.clock, description, a.timeout, a.interval, condition)
}

// notFound turns a NotFound error into a permanent one once the grace
// period since start has passed.
func (a *Awaiter) notFound(start time.Time, err error) error {
	if apierrors.IsNotFound(err) && a.clock.Since(start) >= a.notFoundGrace {
		return Permanent(err)
	}
	return err
}

// ImageStream waits until the image stream has imported at least one image.
func (a *Awaiter) ImageStream(ctx context.Context, name string) error {
	start := a.clock.Now()
	err := a.Until(ctx, "image stream "+name, func(ctx context.Context) (bool, error) {
		stream, err := a.client.GetImageStream(ctx, name)
		if err != nil {
			return false, a.notFound(start, err)
		}
		return stream.Ready(), nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("✓ Image stream ready: %s", name)
	return nil
}

// ImageStreams waits for each image stream in order.
func (a *Awaiter) ImageStreams(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := a.ImageStream(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Route waits until the route has a host assigned.
func (a *Awaiter) Route(ctx context.Context, name string) (*cluster.Route, error) {
	start := a.clock.Now()
	var route *cluster.Route
	err := a.Until(ctx, "route "+name, func(ctx context.Context) (bool, error) {
		r, err := a.client.GetRoute(ctx, name)
		if err != nil {
			return false, a.notFound(start, err)
		}
		route = r
		return r.Host != "", nil
	})
	if err != nil {
		return nil, unexposed("route", name, err)
	}
	return route, nil
}

// KnativeRoute waits until the Knative route is ready and has a URL.
func (a *Awaiter) KnativeRoute(ctx context.Context, name string) (*cluster.KnativeRoute, error) {
	start := a.clock.Now()
	knative := a.client.Knative()
	var route *cluster.KnativeRoute
	err := a.Until(ctx, "knative route "+name, func(ctx context.Context) (bool, error) {
		r, err := knative.Route(ctx, name)
		if err != nil {
			return false, a.notFound(start, err)
		}
		route = r
		return r.Ready && r.URL != "", nil
	})
	if err != nil {
		return nil, unexposed("knative route", name, err)
	}
	return route, nil
}

// unexposed turns a route that never appeared into a configuration error.
func unexposed(kind, name string, err error) error {
	if !apierrors.IsNotFound(err) {
		return err
	}
	return config.WrapConfigError(
		fmt.Sprintf("%s %s not found, the application must be exposed (expose=true)", kind, name), err)
}

// AppRoute waits for the application's route and, when probing is enabled,
// for its known endpoint to answer.
func (a *Awaiter) AppRoute(ctx context.Context, app metadata.AppMetadata) error {
	var baseURL string
	if app.IsKnative() {
		route, err := a.KnativeRoute(ctx, app.AppName)
		if err != nil {
			return err
		}
		baseURL = route.URL
	} else {
		route, err := a.Route(ctx, app.AppName)
		if err != nil {
			return err
		}
		baseURL = route.URL()
	}

	if a.probe {
		url := joinURL(baseURL, app.HTTPRoot, app.KnownEndpoint)
		if err := a.Until(ctx, "endpoint "+url, a.probeURL(url)); err != nil {
			return err
		}
	}

	a.logger.Info("✓ Application route ready: %s", baseURL)
	return nil
}

func (a *Awaiter) probeURL(url string) ConditionFunc {
	return func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, Permanent(err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			return true, nil
		}
		return false, fmt.Errorf("%s answered %d", url, resp.StatusCode)
	}
}

// PodsReady waits until exactly count pods match selector and all of them
// are ready. A count of zero waits for the pods to disappear.
func (a *Awaiter) PodsReady(ctx context.Context, selector string, count int) error {
	return a.Until(ctx, fmt.Sprintf("%d ready pods %q", count, selector), func(ctx context.Context) (bool, error) {
		pods, err := a.client.ListPods(ctx, selector)
		if err != nil {
			return false, err
		}
		if len(pods) != count {
			return false, nil
		}
		for i := range pods {
			if !cluster.IsPodReady(&pods[i]) {
				return false, nil
			}
		}
		return true, nil
	})
}

func joinURL(base string, paths ...string) string {
	url := strings.TrimRight(base, "/")
	for _, p := range paths {
		p = strings.Trim(p, "/")
		if p != "" {
			url += "/" + p
		}
	}
	return url
}

// Package route resolves the external URLs of the application under test.
package route

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/metadata"
)

// HTTPClientConfig is the base address tests talk to.
type HTTPClientConfig struct {
	// BaseURI is scheme and host, e.g. https://app.example.com
	BaseURI string
	// BasePath is the HTTP root of the application, "/" when at the root
	BasePath string
	// InsecureTLS disables certificate verification for TLS routes
	InsecureTLS bool
}

// URL joins the base address with path.
func (c HTTPClientConfig) URL(path string) string {
	return join(c.BaseURI, c.BasePath, path)
}

// Client returns an HTTP client matching the configuration.
func (c HTTPClientConfig) Client() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Timeout: 30 * time.Second, Transport: transport}
}

// Lookup is the part of the cluster client the resolver needs.
type Lookup interface {
	GetRoute(ctx context.Context, name string) (*cluster.Route, error)
	Knative() *cluster.KnativeClient
}

// Resolver computes URLs from the routes of the run's namespace.
type Resolver struct {
	lookup Lookup
	app    metadata.AppMetadata
}

// NewResolver creates a resolver for app.
func NewResolver(lookup Lookup, app metadata.AppMetadata) *Resolver {
	return &Resolver{lookup: lookup, app: app}
}

// BaseAddress returns the HTTP client configuration of the application route.
// A missing OpenShift route is a configuration error: the application was
// not exposed.
func (r *Resolver) BaseAddress(ctx context.Context) (HTTPClientConfig, error) {
	if r.app.IsKnative() {
		route, err := r.lookup.Knative().Route(ctx, r.app.AppName)
		if err != nil {
			return HTTPClientConfig{}, fmt.Errorf("failed to get knative route %s: %w", r.app.AppName, err)
		}
		if route.URL == "" {
			return HTTPClientConfig{}, fmt.Errorf("knative route %s has no URL yet", r.app.AppName)
		}
		return HTTPClientConfig{
			BaseURI:     strings.TrimRight(route.URL, "/"),
			BasePath:    r.app.HTTPRoot,
			InsecureTLS: strings.HasPrefix(route.URL, "https://"),
		}, nil
	}

	route, err := r.lookup.GetRoute(ctx, r.app.AppName)
	if apierrors.IsNotFound(err) {
		return HTTPClientConfig{}, config.WrapConfigError(
			fmt.Sprintf("route %s not found, the application must be exposed through a route", r.app.AppName), err)
	}
	if err != nil {
		return HTTPClientConfig{}, fmt.Errorf("failed to get route %s: %w", r.app.AppName, err)
	}

	return HTTPClientConfig{
		BaseURI:     route.URL(),
		BasePath:    r.app.HTTPRoot,
		InsecureTLS: route.TLS,
	}, nil
}

// AppURL returns the application's own URL including its HTTP root.
func (r *Resolver) AppURL(ctx context.Context) (string, error) {
	base, err := r.BaseAddress(ctx)
	if err != nil {
		return "", err
	}
	return base.URL(""), nil
}

// URLFor returns the URL of the named route, or the application's URL when
// routeName is empty. The HTTP root only applies to the application route.
func (r *Resolver) URLFor(ctx context.Context, routeName string) (string, error) {
	if routeName == "" {
		return r.AppURL(ctx)
	}

	route, err := r.lookup.GetRoute(ctx, routeName)
	if err != nil {
		return "", fmt.Errorf("failed to get route %s: %w", routeName, err)
	}
	return route.URL(), nil
}

func join(base string, paths ...string) string {
	url := strings.TrimRight(base, "/")
	for _, p := range paths {
		if p = strings.Trim(p, "/"); p != "" {
			url += "/" + p
		}
	}
	return url
}

// Package inject hands run collaborators to tests, hooks and failure actions.
//
// Injectable values form a closed set, selected by Go type:
//
//	*cluster.Client         the cluster client bound to the run's namespace
//	*cluster.KnativeClient  the Knative adapter of that client
//	metadata.AppMetadata    the application metadata
//	*await.Awaiter          the awaiter of the run
//	*cluster.Util           workload helpers
//	*config.Config          the global configuration
//	inject.URL              a resolved route URL
//
// Struct fields opt in with an `inject` tag. For URL fields the tag may name
// a route, `inject:"route=keycloak"`; without it the application's own URL,
// including its HTTP root, is injected.
package inject

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/moolen/apptest/internal/await"
	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/metadata"
)

// URL is an injected route URL.
type URL string

// Kind identifies one injectable value.
type Kind int

const (
	ClusterClient Kind = iota
	KnativeClient
	Metadata
	Awaiter
	ClusterUtil
	Config
	RouteURL
)

var kindNames = map[Kind]string{
	ClusterClient: "cluster client",
	KnativeClient: "knative client",
	Metadata:      "application metadata",
	Awaiter:       "awaiter",
	ClusterUtil:   "cluster util",
	Config:        "configuration",
	RouteURL:      "route URL",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var kindsByType = map[reflect.Type]Kind{
	reflect.TypeOf((*cluster.Client)(nil)):        ClusterClient,
	reflect.TypeOf((*cluster.KnativeClient)(nil)): KnativeClient,
	reflect.TypeOf(metadata.AppMetadata{}):        Metadata,
	reflect.TypeOf((*await.Awaiter)(nil)):         Awaiter,
	reflect.TypeOf((*cluster.Util)(nil)):          ClusterUtil,
	reflect.TypeOf((*config.Config)(nil)):         Config,
	reflect.TypeOf(URL("")):                       RouteURL,
}

// Request asks for one value.
type Request struct {
	Kind Kind
	// RouteName qualifies a RouteURL request; empty means the application route
	RouteName string
	// Site names where the value is requested, for error messages
	Site string
}

// UnsupportedTypeError is returned for a type outside the injectable set.
// It unwraps to a configuration error.
type UnsupportedTypeError struct {
	Type reflect.Type
	Site string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported injection type %s at %s", e.Type, e.Site)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return config.NewConfigError(e.Error())
}

// RequestFor builds the request for a value of type t declared at site.
// tag is the value of an `inject` struct tag, if any.
func RequestFor(t reflect.Type, tag, site string) (Request, error) {
	kind, ok := kindsByType[t]
	if !ok {
		return Request{}, &UnsupportedTypeError{Type: t, Site: site}
	}

	req := Request{Kind: kind, Site: site}
	for _, opt := range strings.Split(tag, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch key {
		case "":
		case "route":
			if kind != RouteURL {
				return Request{}, config.NewConfigError(fmt.Sprintf("route qualifier on non-URL injection at %s", site))
			}
			req.RouteName = value
		default:
			return Request{}, config.NewConfigError(fmt.Sprintf("unknown inject option %q at %s", key, site))
		}
	}
	return req, nil
}

// Source provides the collaborators of a run. Collaborators are expected to
// be cached, so repeated requests yield the same values.
type Source interface {
	Client(ctx context.Context) (*cluster.Client, error)
	Knative(ctx context.Context) (*cluster.KnativeClient, error)
	Metadata() (metadata.AppMetadata, error)
	Awaiter(ctx context.Context) (*await.Awaiter, error)
	Util(ctx context.Context) (*cluster.Util, error)
	Config() *config.Config
	URL(ctx context.Context, routeName string) (string, error)
}

// Resolve returns the value for req.
func Resolve(ctx context.Context, req Request, src Source) (any, error) {
	switch req.Kind {
	case ClusterClient:
		return src.Client(ctx)
	case KnativeClient:
		return src.Knative(ctx)
	case Metadata:
		return src.Metadata()
	case Awaiter:
		return src.Awaiter(ctx)
	case ClusterUtil:
		return src.Util(ctx)
	case Config:
		return src.Config(), nil
	case RouteURL:
		url, err := src.URL(ctx, req.RouteName)
		if err != nil {
			return nil, err
		}
		return URL(url), nil
	default:
		return nil, config.NewConfigError(fmt.Sprintf("unsupported injection %s at %s", req.Kind, req.Site))
	}
}

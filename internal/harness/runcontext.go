package harness

import (
	"context"

	"github.com/google/uuid"

	"github.com/moolen/apptest/internal/await"
	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/inject"
	"github.com/moolen/apptest/internal/metadata"
	"github.com/moolen/apptest/internal/route"
)

// ClientFactory connects to the cluster.
type ClientFactory func(cfg *config.Config) (*cluster.Client, error)

// RunContext is the state of one unit execution. Collaborators are created
// on first use and cached, so every injection of the same kind yields the
// same value. A RunContext is never shared between units.
type RunContext struct {
	// ID uniquely identifies the run
	ID string

	unit      *Unit
	cfg       *config.Config
	newClient ClientFactory
	awaitOpts []await.Option

	namespace string
	failed    bool

	base       *cluster.Client
	client     *cluster.Client
	knative    *cluster.KnativeClient
	app        *metadata.AppMetadata
	awaiter    *await.Awaiter
	util       *cluster.Util
	httpConfig *route.HTTPClientConfig
}

var _ inject.Source = (*RunContext)(nil)

func newRunContext(unit *Unit, cfg *config.Config, newClient ClientFactory, awaitOpts []await.Option) *RunContext {
	return &RunContext{
		ID:        uuid.NewString(),
		unit:      unit,
		cfg:       cfg,
		newClient: newClient,
		awaitOpts: awaitOpts,
	}
}

// NewRunContext creates a run context outside a unit lifecycle, bound to an
// existing namespace. It serves tools inspecting a namespace after the fact.
func NewRunContext(cfg *config.Config, namespace string, newClient ClientFactory) *RunContext {
	r := newRunContext(nil, cfg, newClient, nil)
	r.namespace = namespace
	return r
}

// Namespace returns the ephemeral namespace of the run, empty when
// ephemeral namespaces are disabled.
func (r *RunContext) Namespace() string {
	return r.namespace
}

// Failed reports whether any stage of the run failed.
func (r *RunContext) Failed() bool {
	return r.failed
}

// HTTPClientConfig returns the base address resolved during setup. ok is
// false before setup resolved it.
func (r *RunContext) HTTPClientConfig() (route.HTTPClientConfig, bool) {
	if r.httpConfig == nil {
		return route.HTTPClientConfig{}, false
	}
	return *r.httpConfig, true
}

// Inject sets the `inject`-tagged fields of target.
func (r *RunContext) Inject(ctx context.Context, target any) error {
	return inject.Fields(ctx, target, r)
}

func (r *RunContext) baseClient() (*cluster.Client, error) {
	if r.base == nil {
		base, err := r.newClient(r.cfg)
		if err != nil {
			return nil, err
		}
		r.base = base
	}
	return r.base, nil
}

// Client returns the cluster client bound to the namespace of the run.
func (r *RunContext) Client(context.Context) (*cluster.Client, error) {
	if r.client != nil {
		return r.client, nil
	}

	base, err := r.baseClient()
	if err != nil {
		return nil, err
	}

	ns := r.namespace
	if ns == "" {
		ns = r.cfg.Namespace
	}
	if ns == "" {
		r.client = base
	} else {
		r.client = base.WithNamespace(ns)
	}
	return r.client, nil
}

// Knative returns the Knative adapter of the run's client.
func (r *RunContext) Knative(ctx context.Context) (*cluster.KnativeClient, error) {
	if r.knative != nil {
		return r.knative, nil
	}
	client, err := r.Client(ctx)
	if err != nil {
		return nil, err
	}
	r.knative = client.Knative()
	return r.knative, nil
}

// Metadata returns the unit's custom metadata or the generated metadata file.
func (r *RunContext) Metadata() (metadata.AppMetadata, error) {
	if r.app != nil {
		return *r.app, nil
	}

	var (
		app metadata.AppMetadata
		err error
	)
	if r.unit != nil && r.unit.CustomMetadata != nil {
		app, err = r.unit.CustomMetadata.Validate()
	} else {
		app, err = metadata.Load(r.cfg.MetadataPath)
	}
	if err != nil {
		return metadata.AppMetadata{}, err
	}

	r.app = &app
	return app, nil
}

// Awaiter returns the awaiter of the run.
func (r *RunContext) Awaiter(ctx context.Context) (*await.Awaiter, error) {
	if r.awaiter != nil {
		return r.awaiter, nil
	}
	client, err := r.Client(ctx)
	if err != nil {
		return nil, err
	}
	r.awaiter = await.New(client, r.cfg, r.awaitOpts...)
	return r.awaiter, nil
}

// Util returns the cluster utility of the run.
func (r *RunContext) Util(ctx context.Context) (*cluster.Util, error) {
	if r.util != nil {
		return r.util, nil
	}
	client, err := r.Client(ctx)
	if err != nil {
		return nil, err
	}
	awaiter, err := r.Awaiter(ctx)
	if err != nil {
		return nil, err
	}
	r.util = cluster.NewUtil(client, awaiter)
	return r.util, nil
}

// Config returns the process-wide configuration.
func (r *RunContext) Config() *config.Config {
	return r.cfg
}

// URL returns the URL of the named route, or of the application including
// its HTTP root when routeName is empty.
func (r *RunContext) URL(ctx context.Context, routeName string) (string, error) {
	if routeName == "" && r.httpConfig != nil {
		return r.httpConfig.URL(""), nil
	}

	client, err := r.Client(ctx)
	if err != nil {
		return "", err
	}

	var app metadata.AppMetadata
	if routeName == "" {
		if app, err = r.Metadata(); err != nil {
			return "", err
		}
	}
	return route.NewResolver(client, app).URLFor(ctx, routeName)
}

func (r *RunContext) resolver(ctx context.Context) (*route.Resolver, error) {
	client, err := r.Client(ctx)
	if err != nil {
		return nil, err
	}
	app, err := r.Metadata()
	if err != nil {
		return nil, err
	}
	return route.NewResolver(client, app), nil
}

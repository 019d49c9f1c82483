// Package harness drives the lifecycle of one test unit: it sets up the
// namespace and the application, runs the tests and decides what to clean up.
package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/apptest/internal/await"
	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/command"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/deploy"
	"github.com/moolen/apptest/internal/diagnostics"
	"github.com/moolen/apptest/internal/inject"
	"github.com/moolen/apptest/internal/logging"
	"github.com/moolen/apptest/internal/metrics"
	"github.com/moolen/apptest/internal/namespace"
	"github.com/moolen/apptest/internal/resources"
	"github.com/moolen/apptest/internal/retention"
	"github.com/moolen/apptest/internal/tracing"
)

// State is the lifecycle state of a unit.
type State int

const (
	NotStarted State = iota
	SettingUp
	Ready
	Running
	TearingDown
	Done
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case SettingUp:
		return "SettingUp"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case TearingDown:
		return "TearingDown"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ChartInstallerFactory creates the Helm installer for a namespace.
type ChartInstallerFactory func(cfg *config.Config, namespace string) (resources.ChartInstaller, error)

func newHelmInstaller(cfg *config.Config, namespace string) (resources.ChartInstaller, error) {
	return resources.NewHelmInstaller(cfg, namespace)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClientFactory replaces how the cluster client is created.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Controller) { c.newClient = f }
}

// WithRunner replaces the runner of external commands.
func WithRunner(r command.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithChartInstallerFactory replaces the Helm installer.
func WithChartInstallerFactory(f ChartInstallerFactory) Option {
	return func(c *Controller) { c.newCharts = f }
}

// WithAwaitOptions customizes the awaiter of the run.
func WithAwaitOptions(opts ...await.Option) Option {
	return func(c *Controller) { c.awaitOpts = append(c.awaitOpts, opts...) }
}

// WithRegistry replaces the registry of failure actions.
func WithRegistry(r *diagnostics.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithMetrics records phase durations and the run outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer replaces the tracer of the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// Controller sequences the phases of one unit. Each integration point is
// called exactly once per unit, except BeforeEach, ResolveParameter and
// HandleException. It is not safe for concurrent use.
type Controller struct {
	unit   Unit
	cfg    *config.Config
	run    *RunContext
	state  State
	logger *logging.Logger

	newClient ClientFactory
	runner    command.Runner
	newCharts ChartInstallerFactory
	awaitOpts []await.Option
	registry  *diagnostics.Registry
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	resources *resources.Manager
}

// New creates the controller of unit.
func New(unit Unit, cfg *config.Config, opts ...Option) *Controller {
	c := &Controller{
		unit:      unit,
		cfg:       cfg,
		logger:    logging.GetLogger("harness").WithField("unit", unit.Name),
		newClient: cluster.New,
		runner:    command.NewExecRunner(""),
		newCharts: newHelmInstaller,
		registry:  diagnostics.DefaultRegistry(),
		tracer:    otel.Tracer("github.com/moolen/apptest/harness"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.run = newRunContext(&c.unit, cfg, c.newClient, c.awaitOpts)
	return c
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// Run returns the run context of the unit.
func (c *Controller) Run() *RunContext {
	return c.run
}

// BeforeAll sets up the unit: namespace, additional resources, pre-deploy
// hooks, the application and its route. The first error aborts the setup,
// marks the run failed and is returned as is.
func (c *Controller) BeforeAll(ctx context.Context) error {
	if c.state != NotStarted {
		return fmt.Errorf("unit %s cannot be set up in state %s", c.unit.Name, c.state)
	}
	c.state = SettingUp

	c.logger.Info("---------- set up %s ----------", logging.Highlight(c.unit.Name))
	if err := c.setup(ctx); err != nil {
		return c.HandleException(err)
	}

	c.state = Ready
	return nil
}

func (c *Controller) setup(ctx context.Context) error {
	if err := c.unit.Validate(); err != nil {
		return err
	}

	if err := c.phase(ctx, "namespace", c.setupNamespace); err != nil {
		return err
	}

	if err := c.phase(ctx, "resources", c.deployResources); err != nil {
		return err
	}

	if err := c.phase(ctx, "pre-deploy", func(ctx context.Context) error {
		return c.runHooks(ctx, "pre-deploy", c.unit.PreDeploy)
	}); err != nil {
		return err
	}

	if c.unit.ManualDeployment {
		c.logger.Info("application of %s is deployed manually", c.unit.Name)
	} else if err := c.phase(ctx, "deploy", c.deployApplication); err != nil {
		return err
	}

	return c.phase(ctx, "route", c.resolveRoute)
}

func (c *Controller) setupNamespace(ctx context.Context) error {
	base, err := c.run.baseClient()
	if err != nil {
		return err
	}
	if err := base.CheckMinVersion(c.cfg.MinClusterVersion); err != nil {
		return err
	}

	if !c.cfg.EphemeralNamespaces {
		return nil
	}
	name, err := namespace.NewManager(base).Create(ctx)
	if err != nil {
		return err
	}
	c.run.namespace = name
	return nil
}

func (c *Controller) deployResources(ctx context.Context) error {
	client, err := c.run.Client(ctx)
	if err != nil {
		return err
	}

	var charts resources.ChartInstaller
	for _, decl := range c.unit.AdditionalResources {
		if decl.Chart != "" {
			if charts, err = c.newCharts(c.cfg, client.Namespace()); err != nil {
				return err
			}
			break
		}
	}

	c.resources = resources.NewManager(client, charts, c.cfg.EphemeralNamespaces)
	return c.resources.Deploy(ctx, c.unit.AdditionalResources)
}

func (c *Controller) deployer(ctx context.Context) (*deploy.Manager, error) {
	client, err := c.run.Client(ctx)
	if err != nil {
		return nil, err
	}
	return deploy.NewManager(client, c.runner, c.cfg), nil
}

func (c *Controller) deployApplication(ctx context.Context) error {
	app, err := c.run.Metadata()
	if err != nil {
		return err
	}
	deployer, err := c.deployer(ctx)
	if err != nil {
		return err
	}
	awaiter, err := c.run.Awaiter(ctx)
	if err != nil {
		return err
	}

	set, err := deployer.Apply(ctx, c.cfg.ManifestPath)
	if err != nil {
		return err
	}
	if err := awaiter.ImageStreams(ctx, set.ImageStreams(app.AppName)); err != nil {
		return err
	}
	return deployer.BuildAndRun(ctx, app.AppName)
}

func (c *Controller) resolveRoute(ctx context.Context) error {
	app, err := c.run.Metadata()
	if err != nil {
		return err
	}
	awaiter, err := c.run.Awaiter(ctx)
	if err != nil {
		return err
	}
	if err := awaiter.AppRoute(ctx, app); err != nil {
		return err
	}

	resolver, err := c.run.resolver(ctx)
	if err != nil {
		return err
	}
	httpConfig, err := resolver.BaseAddress(ctx)
	if err != nil {
		return err
	}
	c.run.httpConfig = &httpConfig
	c.logger.Info("application %s available at %s", app.AppName, httpConfig.URL(""))
	return nil
}

// BeforeEach announces a test of the unit.
func (c *Controller) BeforeEach(testName string) {
	if c.state == Ready {
		c.state = Running
	}
	c.logger.Info("---------- running test %s ----------", logging.Highlight(c.unit.Name+"."+testName))
}

// ResolveParameter resolves a test parameter of type t. qualifier takes the
// form of an `inject` tag, e.g. "route=keycloak".
func (c *Controller) ResolveParameter(ctx context.Context, t reflect.Type, qualifier string) (any, error) {
	req, err := inject.RequestFor(t, qualifier, "parameter of "+c.unit.Name)
	if err != nil {
		return nil, c.HandleException(err)
	}
	value, err := inject.Resolve(ctx, req, c.run)
	if err != nil {
		return nil, c.HandleException(err)
	}
	return value, nil
}

// HandleException marks the run failed and returns err unchanged.
func (c *Controller) HandleException(err error) error {
	if err != nil {
		c.run.failed = true
	}
	return err
}

// AfterAll tears the unit down. Failure actions run only for failed units.
// What gets deleted follows the retention decision. Every step is attempted;
// only a failure to drop the namespace is returned.
func (c *Controller) AfterAll(ctx context.Context) error {
	if c.state == TearingDown || c.state == Done {
		return fmt.Errorf("unit %s already torn down", c.unit.Name)
	}
	c.state = TearingDown
	defer func() { c.state = Done }()

	failed := c.run.failed
	if failed {
		c.logger.Info("---------- failure ----------")
		c.logger.Info("unit %s failed, showing current namespace status", logging.Highlight(c.unit.Name))
		_ = c.phase(ctx, "diagnostics", c.runDiagnostics)
	}

	c.logger.Info("---------- tear down %s ----------", logging.Highlight(c.unit.Name))

	flags := retention.Flags{
		Ephemeral:        c.cfg.EphemeralNamespaces,
		RetainOnFailure:  c.cfg.RetainOnFailure,
		Failed:           failed,
		ManualDeployment: c.unit.ManualDeployment,
	}
	decision := retention.Decide(flags)
	if flags.Retained() && !flags.Ephemeral {
		c.logger.Info("unit %s failed, not deleting any resources", logging.Highlight(c.unit.Name))
	}

	if decision.DeleteApplication {
		if err := c.phase(ctx, "undeploy", c.undeployApplication); err != nil {
			c.logger.ErrorWithErr("failed to undeploy application", err)
		}
	}

	if c.resources != nil {
		if err := c.resources.Undeploy(ctx, flags.Retained()); err != nil {
			c.logger.ErrorWithErr("failed to delete additional resources", err)
		}
	}

	if err := c.runHooks(ctx, "post-undeploy", c.unit.PostUndeploy); err != nil {
		c.logger.ErrorWithErr("post-undeploy hook failed", err)
	}

	err := c.phase(ctx, "namespace-drop", func(ctx context.Context) error {
		return c.dropNamespace(ctx, decision)
	})

	c.recordOutcome(ctx, flags)
	return err
}

func (c *Controller) runDiagnostics(ctx context.Context) error {
	errs := diagnostics.NewRunner(c.registry, c.cfg.Diagnostics).Run(ctx, c.run)
	if c.metrics != nil {
		c.metrics.ActionErrors.Add(float64(len(errs)))
	}
	return errors.Join(errs...)
}

func (c *Controller) undeployApplication(ctx context.Context) error {
	deployer, err := c.deployer(ctx)
	if err != nil {
		return err
	}
	return deployer.Undeploy(ctx, c.cfg.ManifestPath)
}

func (c *Controller) dropNamespace(ctx context.Context, decision retention.Decision) error {
	name := c.run.namespace
	if name == "" {
		return nil
	}

	if !decision.DropNamespace {
		c.logger.Info("unit %s failed, keeping ephemeral namespace %s intact",
			logging.Highlight(c.unit.Name), logging.Highlight(name))
		return nil
	}

	base, err := c.run.baseClient()
	if err != nil {
		return err
	}
	c.logger.Info("dropping ephemeral namespace %s", logging.Highlight(name))
	return namespace.NewManager(base).Drop(ctx, name)
}

// runHooks invokes hooks in order and stops at the first failure.
func (c *Controller) runHooks(ctx context.Context, kind string, hooks []any) error {
	for _, hook := range hooks {
		name := inject.FuncName(hook)
		c.logger.Info("running %s hook %s", kind, name)
		if err := inject.Invoke(ctx, hook, c.run); err != nil {
			return err
		}
	}
	return nil
}

// phase runs fn inside a span and records its duration. The error of fn is
// returned unchanged.
func (c *Controller) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := tracing.StartPhase(ctx, c.tracer, c.unit.Name, name)

	err := fn(ctx)

	tracing.EndPhase(span, err)
	if c.metrics != nil {
		c.metrics.ObservePhase(name, start, err)
	}
	c.logger.WithContext(ctx).DebugWithFields("phase finished",
		logging.Field("phase", name),
		logging.Field("duration_ms", time.Since(start).Milliseconds()),
		logging.Field("failed", err != nil),
	)
	return err
}

func (c *Controller) recordOutcome(ctx context.Context, flags retention.Flags) {
	if c.metrics == nil {
		return
	}

	outcome := metrics.OutcomePassed
	switch {
	case flags.Retained():
		outcome = metrics.OutcomeRetained
	case flags.Failed:
		outcome = metrics.OutcomeFailed
	}
	c.metrics.RecordRun(outcome)

	if c.cfg.MetricsPushURL == "" {
		return
	}
	if err := c.metrics.Push(ctx, c.cfg.MetricsPushURL, c.unit.Name); err != nil {
		c.logger.Warn("failed to push metrics to %s: %v", c.cfg.MetricsPushURL, err)
	}
}

// Package resources deploys the additional resources a unit declares next to
// the application: plain manifests and Helm charts.
package resources

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/logging"
)

// Declaration is one additional resource. Exactly one of Manifest or Chart
// is set.
type Declaration struct {
	// Manifest is a YAML manifest file applied as is
	Manifest string `yaml:"manifest"`

	// Chart is a Helm chart directory or archive installed as Release
	Chart   string                 `yaml:"chart"`
	Release string                 `yaml:"release"`
	Values  map[string]interface{} `yaml:"values"`
}

// Validate checks that the declaration names exactly one source.
func (d Declaration) Validate() error {
	switch {
	case d.Manifest != "" && d.Chart != "":
		return config.NewConfigError(fmt.Sprintf("additional resource declares both manifest %s and chart %s", d.Manifest, d.Chart))
	case d.Manifest == "" && d.Chart == "":
		return config.NewConfigError("additional resource declares neither manifest nor chart")
	case d.Chart != "" && d.Release == "":
		return config.NewConfigError(fmt.Sprintf("chart %s needs a release name", d.Chart))
	}
	return nil
}

func (d Declaration) String() string {
	if d.Chart != "" {
		return fmt.Sprintf("chart %s (release %s)", d.Chart, d.Release)
	}
	return d.Manifest
}

// ManifestClient applies and deletes manifest objects.
type ManifestClient interface {
	Apply(ctx context.Context, objects []*unstructured.Unstructured) error
	Delete(ctx context.Context, objects []*unstructured.Unstructured) error
}

// ChartInstaller installs and removes Helm releases.
type ChartInstaller interface {
	Install(ctx context.Context, release, chartPath string, values map[string]interface{}) error
	Uninstall(release string) error
}

// deployed remembers how to delete one declaration.
type deployed struct {
	decl    Declaration
	objects []*unstructured.Unstructured
}

// Manager deploys declarations and, outside ephemeral namespaces, deletes
// them again at teardown.
type Manager struct {
	client    ManifestClient
	charts    ChartInstaller
	ephemeral bool
	logger    *logging.Logger

	registered []deployed
}

// NewManager creates a Manager. charts may be nil when no declaration uses
// a chart.
func NewManager(client ManifestClient, charts ChartInstaller, ephemeral bool) *Manager {
	return &Manager{
		client:    client,
		charts:    charts,
		ephemeral: ephemeral,
		logger:    logging.GetLogger("resources"),
	}
}

// Deploy deploys every declaration in order and stops at the first failure.
// Declarations are registered for deletion unless the namespace is
// ephemeral, including one that failed halfway: deleting what does not
// exist succeeds, so whatever it created is removed again.
func (m *Manager) Deploy(ctx context.Context, decls []Declaration) error {
	for _, decl := range decls {
		if err := decl.Validate(); err != nil {
			return err
		}

		m.logger.Info("deploying additional resources from %s", decl)
		d, err := m.deploy(ctx, decl)
		if d != nil && !m.ephemeral {
			m.registered = append(m.registered, *d)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// deploy returns the deployment to undo, nil when nothing reached the
// cluster.
func (m *Manager) deploy(ctx context.Context, decl Declaration) (*deployed, error) {
	if decl.Chart != "" {
		if m.charts == nil {
			return nil, config.NewConfigError(fmt.Sprintf("no chart installer available for %s", decl))
		}
		// a failed install may still leave a release behind
		return &deployed{decl: decl}, m.charts.Install(ctx, decl.Release, decl.Chart, decl.Values)
	}

	objects, err := cluster.LoadManifest(decl.Manifest)
	if err != nil {
		return nil, config.WrapConfigError(fmt.Sprintf("cannot read additional resources %s", decl.Manifest), err)
	}
	return &deployed{decl: decl, objects: objects}, m.client.Apply(ctx, objects)
}

// Registered returns how many declarations await deletion.
func (m *Manager) Registered() int {
	return len(m.registered)
}

// Undeploy deletes the registered declarations in reverse order unless
// retain is set. Every declaration is attempted; errors are joined.
func (m *Manager) Undeploy(ctx context.Context, retain bool) error {
	if retain {
		if len(m.registered) > 0 {
			m.logger.Info("keeping %d additional resources of the failed run", len(m.registered))
		}
		return nil
	}

	var errs []error
	for i := len(m.registered) - 1; i >= 0; i-- {
		d := m.registered[i]
		m.logger.Info("deleting additional resources from %s", d.decl)

		var err error
		if d.decl.Chart != "" {
			err = m.charts.Uninstall(d.decl.Release)
		} else {
			err = m.client.Delete(ctx, d.objects)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", d.decl, err))
		}
	}
	m.registered = nil
	return errors.Join(errs...)
}

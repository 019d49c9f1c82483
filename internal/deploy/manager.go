// Package deploy applies the application manifest, builds the application
// inside the cluster and removes it again.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/moolen/apptest/internal/cluster"
	"github.com/moolen/apptest/internal/command"
	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/logging"
)

// ManifestClient applies and deletes decoded manifest objects.
type ManifestClient interface {
	Apply(ctx context.Context, objects []*unstructured.Unstructured) error
	Delete(ctx context.Context, objects []*unstructured.Unstructured) error
	Namespace() string
}

// ResourceSet is what one manifest created in the cluster.
type ResourceSet struct {
	Source  string
	Objects []*unstructured.Unstructured
}

// ImageStreams returns the image streams of the set, except the one named
// after the application itself, which the build populates.
func (s *ResourceSet) ImageStreams(appName string) []string {
	names := cluster.ImageStreamNames(s.Objects)
	return slices.DeleteFunc(names, func(name string) bool { return name == appName })
}

// Manager deploys the application of one run.
type Manager struct {
	client ManifestClient
	runner command.Runner
	cfg    *config.Config
	logger *logging.Logger
}

// NewManager creates a Manager. Builds run through runner; resources are
// managed through client.
func NewManager(client ManifestClient, runner command.Runner, cfg *config.Config) *Manager {
	return &Manager{
		client: client,
		runner: runner,
		cfg:    cfg,
		logger: logging.GetLogger("deploy"),
	}
}

// Apply creates the manifest's resources once, after applying the
// configured image overrides. A missing manifest is a configuration error.
func (m *Manager) Apply(ctx context.Context, manifestPath string) (*ResourceSet, error) {
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, config.WrapConfigError(
			fmt.Sprintf("missing %s, build the application before running the tests", manifestPath), err)
	}

	objects, err := cluster.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	overrides, err := m.cfg.ImageOverrideMap()
	if err != nil {
		return nil, err
	}
	if n := OverrideImages(objects, overrides); n > 0 {
		m.logger.Info("overrode %d container images", n)
	}

	m.logger.Info("deploying %s into namespace %s", manifestPath, logging.Highlight(m.client.Namespace()))
	if err := m.client.Apply(ctx, objects); err != nil {
		return nil, err
	}

	return &ResourceSet{Source: manifestPath, Objects: objects}, nil
}

// BuildAndRun starts the cluster-side build of appName from the build output
// tree: a single native binary when one exists, the archived tree otherwise.
// Builds are serialised across processes sharing the build output tree.
func (m *Manager) BuildAndRun(ctx context.Context, appName string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	binary, found, err := FindNativeBinary(m.cfg.BuildOutputDir, m.cfg.NativeBinaryPattern)
	if err != nil {
		return err
	}

	if found {
		m.logger.Info("building %s from native binary %s", appName, binary)
		return m.startBuild(ctx, appName, "--from-file="+binary)
	}

	tmpDir, err := os.MkdirTemp("", "apptest-build-")
	if err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archive := filepath.Join(tmpDir, "app.tar.gz")
	if err := ArchiveDir(m.cfg.BuildOutputDir, archive); err != nil {
		return err
	}

	m.logger.Info("building %s from archive of %s", appName, m.cfg.BuildOutputDir)
	return m.startBuild(ctx, appName, "--from-archive="+archive)
}

func (m *Manager) startBuild(ctx context.Context, appName, source string) error {
	return m.runner.Run(ctx, m.cfg.BuildCommand,
		"start-build", appName, source, "--follow", "-n", m.client.Namespace())
}

// lock takes the cross-process build lock, honouring ctx while waiting.
func (m *Manager) lock(ctx context.Context) (func(), error) {
	if m.cfg.BuildLockPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.BuildLockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build lock directory: %w", err)
	}

	fileLock := flock.New(m.cfg.BuildLockPath)
	locked, err := fileLock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire build lock %s: %w", m.cfg.BuildLockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire build lock %s", m.cfg.BuildLockPath)
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			m.logger.Warn("failed to release build lock: %v", err)
		}
	}, nil
}

// Undeploy deletes the manifest's resources. Resources that are already
// gone, and a manifest that no longer exists, count as deleted.
func (m *Manager) Undeploy(ctx context.Context, manifestPath string) error {
	objects, err := cluster.LoadManifest(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("nothing to undeploy, %s does not exist", manifestPath)
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.Info("undeploying %s from namespace %s", manifestPath, m.client.Namespace())
	return m.client.Delete(ctx, objects)
}

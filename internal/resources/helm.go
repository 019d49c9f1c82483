package resources

import (
	"context"
	"fmt"
	"os"
	"strings"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"

	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/logging"
)

// HelmInstaller installs charts into one namespace.
type HelmInstaller struct {
	cfg       *action.Configuration
	namespace string
	logger    *logging.Logger
}

// NewHelmInstaller creates an installer for namespace using the cluster
// access settings of cfg.
func NewHelmInstaller(cfg *config.Config, namespace string) (*HelmInstaller, error) {
	logger := logging.GetLogger("resources.helm")

	settings := cli.New()
	settings.KubeConfig = cfg.Kubeconfig
	settings.KubeContext = cfg.KubeContext
	if cfg.KindCluster != "" {
		settings.KubeContext = "kind-" + cfg.KindCluster
	}
	settings.SetNamespace(namespace)

	actionConfig := new(action.Configuration)
	debug := func(format string, v ...interface{}) {
		logger.Debug(format, v...)
	}
	if err := actionConfig.Init(settings.RESTClientGetter(), namespace, os.Getenv("HELM_DRIVER"), debug); err != nil {
		return nil, fmt.Errorf("failed to initialize Helm config: %w", err)
	}

	return &HelmInstaller{cfg: actionConfig, namespace: namespace, logger: logger}, nil
}

// Install installs chartPath as release without waiting for readiness.
func (h *HelmInstaller) Install(ctx context.Context, release, chartPath string, values map[string]interface{}) error {
	chart, err := loader.Load(chartPath)
	if err != nil {
		return config.WrapConfigError(fmt.Sprintf("failed to load chart %s", chartPath), err)
	}

	install := action.NewInstall(h.cfg)
	install.ReleaseName = release
	install.Namespace = h.namespace

	rel, err := install.RunWithContext(ctx, chart, values)
	if err != nil {
		return fmt.Errorf("failed to install chart %s: %w", chartPath, err)
	}

	h.logger.Info("✓ Chart installed: %s (revision %d)", rel.Name, rel.Version)
	return nil
}

// Uninstall removes a release. A release that does not exist counts as
// removed.
func (h *HelmInstaller) Uninstall(release string) error {
	_, err := action.NewUninstall(h.cfg).Run(release)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			h.logger.Debug("release %s already gone", release)
			return nil
		}
		return fmt.Errorf("failed to uninstall release %s: %w", release, err)
	}

	h.logger.Info("✓ Chart uninstalled: %s", release)
	return nil
}

package cluster

import (
	"fmt"

	"github.com/hashicorp/go-version"

	"github.com/moolen/apptest/internal/config"
)

// ServerVersion returns the API server's git version, e.g. "v1.31.2".
func (c *Client) ServerVersion() (string, error) {
	info, err := c.Clientset.Discovery().ServerVersion()
	if err != nil {
		return "", fmt.Errorf("failed to get server version: %w", err)
	}
	return info.GitVersion, nil
}

// CheckMinVersion fails with a configuration error when the API server is
// older than minimum. An empty minimum disables the check.
func (c *Client) CheckMinVersion(minimum string) error {
	if minimum == "" {
		return nil
	}

	required, err := version.NewVersion(minimum)
	if err != nil {
		return config.WrapConfigError(fmt.Sprintf("invalid min_cluster_version %q", minimum), err)
	}

	raw, err := c.ServerVersion()
	if err != nil {
		return err
	}
	actual, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("failed to parse server version %q: %w", raw, err)
	}

	// pre-release builds such as v1.31.0-rc.1 count as their release
	if actual.Core().LessThan(required.Core()) {
		return config.NewConfigError(fmt.Sprintf("cluster version %s is older than required %s", raw, minimum))
	}

	c.logger.Debug("cluster version %s satisfies %s", raw, minimum)
	return nil
}

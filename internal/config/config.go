package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the process-wide settings of a test run. It is loaded once and
// shared read-only by every unit.
type Config struct {
	// Kubeconfig is the path to the kubeconfig file; empty uses the default loading rules
	Kubeconfig string `koanf:"kubeconfig"`

	// KubeContext overrides the current context of the kubeconfig
	KubeContext string `koanf:"kube_context"`

	// KindCluster, when set, takes the kubeconfig from the named kind cluster
	KindCluster string `koanf:"kind_cluster"`

	// Namespace is used when ephemeral namespaces are disabled; empty means the kubeconfig default
	Namespace string `koanf:"namespace"`

	// EphemeralNamespaces creates a fresh namespace for every unit
	EphemeralNamespaces bool `koanf:"ephemeral_namespaces"`

	// RetainOnFailure keeps everything a failed unit created
	RetainOnFailure bool `koanf:"retain_on_failure"`

	// ManifestPath is the generated resource manifest of the application
	ManifestPath string `koanf:"manifest_path"`

	// MetadataPath is the generated application metadata properties file
	MetadataPath string `koanf:"metadata_path"`

	// BuildOutputDir is the build output tree searched for artifacts and archived for builds
	BuildOutputDir string `koanf:"build_output_dir"`

	// NativeBinaryPattern is the doublestar pattern identifying a native binary
	NativeBinaryPattern string `koanf:"native_binary_pattern"`

	// BuildLockPath serialises cluster builds across test processes
	BuildLockPath string `koanf:"build_lock_path"`

	// BuildCommand is the cluster CLI used to start builds
	BuildCommand string `koanf:"build_command"`

	// AwaitTimeout bounds every named wait
	AwaitTimeout time.Duration `koanf:"await_timeout"`

	// AwaitInterval is the fixed poll interval of every named wait
	AwaitInterval time.Duration `koanf:"await_interval"`

	// NotFoundGrace is how long a missing resource is tolerated before a wait fails fast
	NotFoundGrace time.Duration `koanf:"not_found_grace"`

	// RouteProbe additionally requires an HTTP 200 from the known endpoint
	RouteProbe bool `koanf:"route_probe"`

	// ImageOverrides rewrites container images in the manifest before apply,
	// each entry in the form "original=replacement"
	ImageOverrides []string `koanf:"image_overrides"`

	// Diagnostics lists the failure actions to run, in order
	Diagnostics []string `koanf:"diagnostics"`

	// MinClusterVersion rejects clusters older than this version
	MinClusterVersion string `koanf:"min_cluster_version"`

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `koanf:"log_level"`

	// TracingEnabled indicates whether OpenTelemetry tracing is enabled
	TracingEnabled bool `koanf:"tracing_enabled"`

	// TracingEndpoint is the OTLP gRPC endpoint for trace export
	TracingEndpoint string `koanf:"tracing_endpoint"`

	// TracingInsecure disables TLS towards the tracing endpoint
	TracingInsecure bool `koanf:"tracing_insecure"`

	// MetricsPushURL is a Prometheus Pushgateway receiving run metrics at teardown
	MetricsPushURL string `koanf:"metrics_push_url"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ManifestPath:        "target/kubernetes/openshift.yml",
		MetadataPath:        "target/app-metadata.properties",
		BuildOutputDir:      "target",
		NativeBinaryPattern: "**/*-runner",
		BuildLockPath:       ".apptest-build.lock",
		BuildCommand:        "oc",
		AwaitTimeout:        10 * time.Minute,
		AwaitInterval:       5 * time.Second,
		NotFoundGrace:       2 * time.Minute,
		RouteProbe:          true,
		Diagnostics:         []string{"cluster-status", "events", "pod-logs"},
		LogLevel:            "info",
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.ManifestPath == "" {
		return NewConfigError("manifest_path must not be empty")
	}

	if c.MetadataPath == "" {
		return NewConfigError("metadata_path must not be empty")
	}

	if c.BuildOutputDir == "" {
		return NewConfigError("build_output_dir must not be empty")
	}

	if c.BuildLockPath != "" && within(c.BuildOutputDir, c.BuildLockPath) {
		return NewConfigError(fmt.Sprintf("build_lock_path %s must not be inside build_output_dir %s", c.BuildLockPath, c.BuildOutputDir))
	}

	if c.AwaitInterval <= 0 {
		return NewConfigError("await_interval must be positive")
	}

	if c.AwaitTimeout < c.AwaitInterval {
		return NewConfigError(fmt.Sprintf("await_timeout (%s) must be at least await_interval (%s)", c.AwaitTimeout, c.AwaitInterval))
	}

	if c.NotFoundGrace < 0 {
		return NewConfigError("not_found_grace must not be negative")
	}

	if c.EphemeralNamespaces && c.Namespace != "" {
		return NewConfigError("namespace cannot be set when ephemeral_namespaces is enabled")
	}

	if _, err := c.ImageOverrideMap(); err != nil {
		return err
	}

	if c.TracingEnabled && c.TracingEndpoint == "" {
		return NewConfigError("tracing_endpoint must be set when tracing is enabled")
	}

	return nil
}

// within reports whether path lies inside dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ImageOverrideMap parses ImageOverrides into original -> replacement.
func (c *Config) ImageOverrideMap() (map[string]string, error) {
	overrides := make(map[string]string, len(c.ImageOverrides))
	for _, entry := range c.ImageOverrides {
		from, to, ok := strings.Cut(entry, "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, NewConfigError(fmt.Sprintf("image_overrides entry %q must have the form original=replacement", entry))
		}
		overrides[from] = to
	}
	return overrides, nil
}

// ConfigError is the ConfigurationError kind: a mistake in configuration or
// declarations. It is never retried.
type ConfigError struct {
	message string
	cause   error
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// WrapConfigError creates a configuration error carrying cause.
func WrapConfigError(message string, cause error) *ConfigError {
	return &ConfigError{message: message, cause: cause}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConfigError) Unwrap() error {
	return e.cause
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

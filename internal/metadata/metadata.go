// Package metadata describes the application under test.
package metadata

import (
	"fmt"
	"strings"

	"github.com/magiconair/properties"

	"github.com/moolen/apptest/internal/config"
)

// DeploymentTargetKnative marks applications exposed through a Knative route.
const DeploymentTargetKnative = "knative"

// Property keys of the generated metadata file.
const (
	keyAppName          = "app.name"
	keyHTTPRoot         = "app.http-root"
	keyKnownEndpoint    = "app.known-endpoint"
	keyDeploymentTarget = "app.deployment-target"
)

// AppMetadata is immutable once loaded.
type AppMetadata struct {
	AppName          string `yaml:"appName"`
	HTTPRoot         string `yaml:"httpRoot"`
	KnownEndpoint    string `yaml:"knownEndpoint"`
	DeploymentTarget string `yaml:"deploymentTarget"`
}

// IsKnative reports whether the application is served by a Knative route.
// DeploymentTarget may list several targets, e.g. "openshift,knative".
func (m AppMetadata) IsKnative() bool {
	return strings.Contains(m.DeploymentTarget, DeploymentTargetKnative)
}

// Validate requires an application name and normalizes HTTPRoot to start
// with a slash.
func (m AppMetadata) Validate() (AppMetadata, error) {
	if m.AppName == "" {
		return m, config.NewConfigError("application metadata has no app name")
	}
	if m.HTTPRoot == "" {
		m.HTTPRoot = "/"
	}
	if m.HTTPRoot[0] != '/' {
		m.HTTPRoot = "/" + m.HTTPRoot
	}
	return m, nil
}

// Load reads the metadata properties file written by the application build.
//
//	app.name=my-app
//	app.http-root=/api
//	app.known-endpoint=/q/health/ready
//	app.deployment-target=openshift
func Load(path string) (AppMetadata, error) {
	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return AppMetadata{}, config.WrapConfigError(fmt.Sprintf("missing application metadata %s", path), err)
	}

	m := AppMetadata{
		AppName:          props.GetString(keyAppName, ""),
		HTTPRoot:         props.GetString(keyHTTPRoot, "/"),
		KnownEndpoint:    props.GetString(keyKnownEndpoint, "/"),
		DeploymentTarget: props.GetString(keyDeploymentTarget, ""),
	}
	return m.Validate()
}

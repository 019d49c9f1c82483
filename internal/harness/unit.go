package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/metadata"
	"github.com/moolen/apptest/internal/resources"
)

// Unit declares one logical test unit: the application deployment it runs
// against and everything set up around it.
type Unit struct {
	// Name identifies the unit in logs, spans and metrics
	Name string `yaml:"name"`

	// ManualDeployment means the application is deployed by the unit itself,
	// typically from a pre-deploy hook, and is never applied, built or
	// deleted by the harness
	ManualDeployment bool `yaml:"manualDeployment"`

	// CustomMetadata replaces the generated metadata file
	CustomMetadata *metadata.AppMetadata `yaml:"customMetadata"`

	// AdditionalResources are deployed before the application, in order
	AdditionalResources []resources.Declaration `yaml:"additionalResources"`

	// PreDeploy hooks run after the additional resources, before the
	// application is deployed. PostUndeploy hooks run at teardown after the
	// application is undeployed, before the namespace is dropped. Hook
	// parameters are injected; see inject.Invoke.
	PreDeploy    []any `yaml:"-"`
	PostUndeploy []any `yaml:"-"`
}

// Validate checks the declarations of the unit.
func (u Unit) Validate() error {
	if u.Name == "" {
		return config.NewConfigError("unit has no name")
	}
	for _, decl := range u.AdditionalResources {
		if err := decl.Validate(); err != nil {
			return fmt.Errorf("unit %s: %w", u.Name, err)
		}
	}
	return nil
}

// LoadUnitFile reads the declarative part of a unit from a YAML file. Hooks
// cannot be declared in YAML and are attached by the caller.
//
//	name: HelloIT
//	manualDeployment: false
//	customMetadata:
//	  appName: hello
//	  httpRoot: /api
//	additionalResources:
//	  - manifest: testdata/postgres.yaml
//	  - chart: charts/keycloak
//	    release: keycloak
func LoadUnitFile(path string) (Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Unit{}, config.WrapConfigError(fmt.Sprintf("cannot read unit file %s", path), err)
	}

	var unit Unit
	if err := yaml.Unmarshal(data, &unit); err != nil {
		return Unit{}, config.WrapConfigError(fmt.Sprintf("cannot parse unit file %s", path), err)
	}
	if err := unit.Validate(); err != nil {
		return Unit{}, err
	}
	return unit, nil
}

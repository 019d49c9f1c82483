package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "APPTEST_"

// Load builds the configuration from defaults, an optional YAML file and
// APPTEST_* environment variables, in increasing priority, and validates it.
//
// Environment keys are the lower-cased variable names without the prefix,
// e.g. APPTEST_RETAIN_ON_FAILURE=true or APPTEST_AWAIT_TIMEOUT=5m.
// List and map keys accept comma separated values:
//
//	APPTEST_DIAGNOSTICS=cluster-status,events
//	APPTEST_IMAGE_OVERRIDES=registry/app:1=localhost:5000/app:dev
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func envValue(key, value string) (string, interface{}) {
	name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))

	switch name {
	case "diagnostics", "image_overrides":
		return name, splitList(value)
	}
	return name, value
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

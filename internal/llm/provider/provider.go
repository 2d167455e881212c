// Package provider implements the model collaborator against concrete
// LLM APIs. Each provider normalizes its vendor SDK behind agent.Model
// and classifies API failures into the engine taxonomy before they leave
// the package.
package provider

import (
	"fmt"
	"os"

	"github.com/drover-dev/drover/agent"
)

// Provider is a named model collaborator.
type Provider interface {
	agent.Model

	// Name returns the registered provider name.
	Name() string
}

// Factory builds a provider from a free-form config map. Keys are
// provider-specific; credentials fall back to environment variables.
type Factory func(config map[string]any) (Provider, error)

// configString reads a string key from a factory config map, falling back
// to an environment variable and then a default.
func configString(config map[string]any, key, envVar, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return fallback
}

// requireConfigString is configString for keys that must resolve.
func requireConfigString(config map[string]any, key, envVar string) (string, error) {
	v := configString(config, key, envVar, "")
	if v == "" {
		if envVar != "" {
			return "", fmt.Errorf("%s not set (config key %q or environment variable %s)", key, key, envVar)
		}
		return "", fmt.Errorf("config key %q not set", key)
	}
	return v, nil
}

package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a provider factory under a name. Providers
// register themselves in init; later registrations replace earlier ones.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New builds a provider by registered name.
func New(name string, config map[string]any) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("provider %q not registered (available: %s)", name, strings.Join(Names(), ", "))
	}
	if config == nil {
		config = map[string]any{}
	}
	return factory(config)
}

// Has reports whether a provider factory is registered.
func Has(name string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Names returns the registered provider names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect guesses the provider for a model name by its conventional
// prefix. The second result is false when no known family matches.
func Detect(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return "", false
	case strings.HasPrefix(m, "gpt-"),
		strings.HasPrefix(m, "chatgpt"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return "openai", true
	case strings.HasPrefix(m, "gemini"):
		return "vertexai", true
	case strings.HasPrefix(m, "claude"),
		strings.Contains(m, "anthropic."),
		strings.HasPrefix(m, "amazon."),
		strings.HasPrefix(m, "meta.llama"):
		return "bedrock", true
	}
	return "", false
}

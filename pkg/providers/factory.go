package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/alice/pkg/config"
)

const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
	BackendEcho   = "echo"
)

type backendFactory struct {
	build    func(cfg *config.Config) (Generator, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]backendFactory{}
	registrationErr error
)

func RegisterFactory(name string, build func(cfg *config.Config) (Generator, error), validate func(cfg *config.Config) error) {
	name = NormalizeBackendName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required for %q", name))
		return
	}
	factories[name] = backendFactory{build: build, validate: validate}
}

func SupportedBackends() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NormalizeBackendName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return BackendOllama
	}
	return name
}

func ActiveBackendName(cfg *config.Config) string {
	if cfg == nil {
		return BackendOllama
	}
	return NormalizeBackendName(cfg.Generation.Backend)
}

func ValidateBackendConfig(cfg *config.Config) error {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(cfg)
}

// CreateGenerator builds the generator selected by generation.backend.
func CreateGenerator(cfg *config.Config) (Generator, error) {
	factory, name, err := getFactory(cfg)
	if err != nil {
		return nil, err
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, fmt.Errorf("%s backend config: %w", name, err)
		}
	}
	return factory.build(cfg)
}

func getFactory(cfg *config.Config) (backendFactory, string, error) {
	name := ActiveBackendName(cfg)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return backendFactory{}, name, fmt.Errorf("backend registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return backendFactory{}, name, fmt.Errorf("unsupported backend %q: supported backends are %s", name, strings.Join(SupportedBackends(), ", "))
	}
	return factory, name, nil
}

func init() {
	RegisterFactory(BackendOpenAI, func(cfg *config.Config) (Generator, error) {
		auth := NewNoAuth()
		if key := strings.TrimSpace(cfg.Generation.APIKey); key != "" {
			auth = NewAPIKeyAuth(tokenSourceFor(key, "generation.api_key"))
		}
		return newChatCompletionsProvider(BackendOpenAI, cfg.GetAPIBase(), cfg.Generation.Model, cfg.Generation.Proxy, cfg.GenerationTimeout(), auth, nil)
	}, validateModel)

	RegisterFactory(BackendOllama, func(cfg *config.Config) (Generator, error) {
		return newOllamaProvider(cfg.GetAPIBase(), cfg.Generation.Model, cfg.GenerationTimeout())
	}, validateModel)

	RegisterFactory(BackendEcho, func(*config.Config) (Generator, error) {
		return NewEcho(), nil
	}, nil)
}

func validateModel(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Generation.Model) == "" {
		return fmt.Errorf("generation.model is required")
	}
	return nil
}

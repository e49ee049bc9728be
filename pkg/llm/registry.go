// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"fmt"
	"sync"
	"time"
)

// ProviderConfig describes one LLM backend in configuration.
type ProviderConfig struct {
	Type        string  `yaml:"type"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	TimeoutSec  int     `yaml:"timeout,omitempty"`
}

// Registry manages named LLM provider instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register registers a provider instance under a name.
func (r *Registry) Register(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("LLM name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("LLM provider cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("LLM provider already registered: %s", name)
	}
	r.providers[name] = provider
	return nil
}

// CreateFromConfig creates and registers a provider from configuration.
func (r *Registry) CreateFromConfig(name string, cfg *ProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("LLM name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("LLM config cannot be nil")
	}

	var provider Provider
	var err error

	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProvider(OpenAIConfig{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Host:        cfg.Host,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     timeout,
		})
	case "anthropic":
		provider, err = NewAnthropicProvider(AnthropicConfig{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Host:        cfg.Host,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, err
	}

	return provider, nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}

// Close closes all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, provider := range r.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %s: %w", name, err)
		}
	}
	r.providers = make(map[string]Provider)
	return firstErr
}

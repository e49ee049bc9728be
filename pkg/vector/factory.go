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

package vector

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ProviderType identifies a vector provider implementation.
type ProviderType string

const (
	// ProviderChromem uses chromem-go for embedded vector storage.
	// Zero-config, no external dependencies.
	ProviderChromem ProviderType = "chromem"

	// ProviderQdrant uses the Qdrant vector database.
	ProviderQdrant ProviderType = "qdrant"
)

// ProviderConfig is the configuration for creating vector providers.
type ProviderConfig struct {
	// Type identifies which provider to create.
	Type ProviderType `yaml:"type"`

	// Chromem configuration (used when Type == "chromem").
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`

	// Qdrant configuration (used when Type == "qdrant").
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// SetDefaults applies default values.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ProviderChromem
	}
	if c.Type == ProviderChromem && c.Chromem == nil {
		c.Chromem = &ChromemConfig{}
	}
}

// Validate checks the configuration.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderChromem:
		return nil
	case ProviderQdrant:
		if c.Qdrant == nil {
			return fmt.Errorf("qdrant configuration is required")
		}
		if c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		return nil
	case "":
		return fmt.Errorf("provider type is required")
	default:
		return fmt.Errorf("unknown provider type: %q", c.Type)
	}
}

// NewProvider creates a vector provider from configuration.
func NewProvider(cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		return NilProvider{}, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case ProviderChromem:
		return NewChromemProvider(*cfg.Chromem)
	case ProviderQdrant:
		return NewQdrantProvider(*cfg.Qdrant)
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

// ParseURL builds a ProviderConfig from a store URL:
//
//	chromem://            in-memory chromem
//	chromem:///var/data   persistent chromem at the given path
//	qdrant://host:6334    qdrant over gRPC
//
// An empty URL selects in-memory chromem.
func ParseURL(rawURL string) (*ProviderConfig, error) {
	if rawURL == "" {
		return &ProviderConfig{Type: ProviderChromem, Chromem: &ChromemConfig{}}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid vector store URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "chromem":
		cfg := &ChromemConfig{}
		if u.Path != "" && u.Path != "/" {
			cfg.PersistPath = strings.TrimSuffix(u.Path, "/")
		}
		return &ProviderConfig{Type: ProviderChromem, Chromem: cfg}, nil

	case "qdrant":
		cfg := &QdrantConfig{Host: u.Hostname()}
		if portStr := u.Port(); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid qdrant port %q: %w", portStr, err)
			}
			cfg.Port = port
		}
		if key := u.Query().Get("api_key"); key != "" {
			cfg.APIKey = key
		}
		if u.Query().Get("tls") == "true" {
			cfg.UseTLS = true
		}
		return &ProviderConfig{Type: ProviderQdrant, Qdrant: cfg}, nil

	default:
		return nil, fmt.Errorf("unsupported vector store scheme: %q (supported: chromem, qdrant)", u.Scheme)
	}
}

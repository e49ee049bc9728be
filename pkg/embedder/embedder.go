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

// Package embedder converts text to vector embeddings for memory and
// knowledge retrieval.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/tandem/internal/httpclient"
)

// Embedder converts text to vector embeddings.
type Embedder interface {
	// Embed converts a single text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to vector embeddings,
	// preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources.
	Close() error
}

// Config describes an embedder in configuration.
type Config struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Dimension  int    `yaml:"dimension,omitempty"`
	TimeoutSec int    `yaml:"timeout,omitempty"`
	BatchSize  int    `yaml:"batch_size,omitempty"`
}

// NewFromConfig creates an Embedder from configuration.
func NewFromConfig(cfg *Config) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config is required")
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   timeout,
			BatchSize: cfg.BatchSize,
		})

	case "ollama":
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   timeout,
		})

	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s (supported: openai, ollama)", cfg.Provider)
	}
}

// postJSON sends one JSON request through the retrying client and
// decodes the response into out. Non-2xx bodies come back as errors.
func postJSON(ctx context.Context, client *httpclient.Client, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding request returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

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

package embedder

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/tandem/internal/httpclient"
)

// OllamaConfig configures the local Ollama embedder.
type OllamaConfig struct {
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OllamaEmbedder embeds through a local Ollama server's /api/embed
// endpoint. The default model is nomic-embed-text at 768 dimensions.
type OllamaEmbedder struct {
	client *httpclient.Client
	cfg    OllamaConfig
}

var _ Embedder = (*OllamaEmbedder)(nil)

func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &OllamaEmbedder{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		),
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama returned no embedding")
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: e.cfg.Model, Input: texts}

	var reply struct {
		Embeddings [][]float32 `json:"embeddings"`
		Error      string      `json:"error,omitempty"`
	}
	if err := postJSON(ctx, e.client, e.cfg.BaseURL+"/api/embed", nil, body, &reply); err != nil {
		return nil, fmt.Errorf("ollama embedding failed: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("ollama embedding failed: %s", reply.Error)
	}
	if len(reply.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(reply.Embeddings), len(texts))
	}
	return reply.Embeddings, nil
}

func (e *OllamaEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *OllamaEmbedder) Model() string { return e.cfg.Model }

func (e *OllamaEmbedder) Close() error { return nil }

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
	"time"

	"github.com/kadirpekel/tandem/internal/httpclient"
)

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// Dimension maps to the API's 'dimensions' parameter on the
	// text-embedding-3 models, so reduced dimensions like 768 are
	// honored server-side.
	Dimension int
	Timeout   time.Duration
	BatchSize int
}

// OpenAIEmbedder calls OpenAI's embeddings endpoint, batching large
// inputs and preserving input order.
type OpenAIEmbedder struct {
	client *httpclient.Client
	cfg    OpenAIConfig
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder validates the config and returns the embedder.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension == 0 {
		if cfg.Model == "text-embedding-3-large" {
			cfg.Dimension = 3072
		} else {
			cfg.Dimension = 1536
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	return &OpenAIEmbedder{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithHeaderParser(httpclient.OpenAIHints),
		),
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("openai returned no embedding")
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		vecs, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := struct {
		Model      string   `json:"model"`
		Input      []string `json:"input"`
		Dimensions *int     `json:"dimensions,omitempty"`
	}{Model: e.cfg.Model, Input: texts}

	// Only the text-embedding-3 family accepts a dimensions override.
	if e.cfg.Model == "text-embedding-3-small" || e.cfg.Model == "text-embedding-3-large" {
		body.Dimensions = &e.cfg.Dimension
	}

	var reply struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	err := postJSON(ctx, e.client, e.cfg.BaseURL+"/embeddings",
		map[string]string{"Authorization": "Bearer " + e.cfg.APIKey}, body, &reply)
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}

	// The API may return items out of order; index restores input order.
	vecs := make([][]float32, len(texts))
	for _, item := range reply.Data {
		if item.Index >= 0 && item.Index < len(vecs) {
			vecs[item.Index] = item.Embedding
		}
	}
	return vecs, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *OpenAIEmbedder) Model() string { return e.cfg.Model }

func (e *OpenAIEmbedder) Close() error { return nil }

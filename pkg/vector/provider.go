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

// Package vector abstracts approximate nearest neighbor stores behind a
// common Provider interface. Embeddings are computed externally via the
// embedder package; providers only store and search pre-computed
// vectors.
package vector

import "context"

// Result is one search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Vector   []float32
	Metadata map[string]any
}

// Provider is a vector store backend.
type Provider interface {
	// Upsert adds or updates a document with its vector embedding.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// Search finds the most similar vectors in a collection.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// SearchWithFilter combines vector similarity with exact-match
	// metadata filtering.
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes a document from a collection by ID.
	Delete(ctx context.Context, collection string, id string) error

	// DeleteByFilter removes all documents matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	// CreateCollection creates a new collection.
	CreateCollection(ctx context.Context, collection string, vectorDimension int) error

	// DeleteCollection removes a collection and all its documents.
	DeleteCollection(ctx context.Context, collection string) error

	// Name returns the provider name.
	Name() string

	// Close releases resources.
	Close() error
}

// NilProvider is a no-op provider used when vector storage is disabled.
type NilProvider struct{}

var _ Provider = NilProvider{}

func (NilProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	return nil
}

func (NilProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return nil, nil
}

func (NilProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	return nil, nil
}

func (NilProvider) Delete(ctx context.Context, collection string, id string) error {
	return nil
}

func (NilProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	return nil
}

func (NilProvider) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	return nil
}

func (NilProvider) DeleteCollection(ctx context.Context, collection string) error {
	return nil
}

func (NilProvider) Name() string { return "nil" }

func (NilProvider) Close() error { return nil }

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
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the remote Qdrant provider.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// QdrantProvider stores vectors in a Qdrant instance over gRPC.
// Collections are created lazily on first write with cosine distance.
type QdrantProvider struct {
	client *qdrant.Client

	mu    sync.Mutex
	known map[string]bool
}

var _ Provider = (*QdrantProvider)(nil)

// NewQdrantProvider connects to a Qdrant instance.
func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant connection to %s:%d failed: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantProvider{client: client, known: make(map[string]bool)}, nil
}

func (p *QdrantProvider) Name() string { return "qdrant" }

func (p *QdrantProvider) Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error {
	if err := p.ensureCollection(ctx, collection, len(vec)); err != nil {
		return err
	}

	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return fmt.Errorf("metadata %q is not representable: %w", k, err)
		}
		payload[k] = val
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vec, topK, nil)
}

func (p *QdrantProvider) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	limit := uint64(topK)
	points, err := p.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          &limit,
		Filter:         matchFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query failed: %w", err)
	}

	results := make([]Result, 0, len(points))
	for _, pt := range points {
		meta := fromPayload(pt.Payload)
		content, _ := meta["content"].(string)
		results = append(results, Result{
			ID:       pointID(pt.Id),
			Score:    pt.Score,
			Content:  content,
			Metadata: meta,
		})
	}
	return results, nil
}

func (p *QdrantProvider) Delete(ctx context.Context, collection, id string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete of %s failed: %w", id, err)
	}
	return nil
}

func (p *QdrantProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelectorFilter(matchFilter(filter)),
	})
	if err != nil {
		return fmt.Errorf("qdrant filtered delete failed: %w", err)
	}
	return nil
}

func (p *QdrantProvider) CreateCollection(ctx context.Context, collection string, dim int) error {
	return p.ensureCollection(ctx, collection, dim)
}

func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	delete(p.known, collection)
	p.mu.Unlock()
	if err := p.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("qdrant collection delete failed: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

// ensureCollection creates the collection once per process; concurrent
// creators tolerate the "already exists" race.
func (p *QdrantProvider) ensureCollection(ctx context.Context, collection string, dim int) error {
	p.mu.Lock()
	seen := p.known[collection]
	p.mu.Unlock()
	if seen {
		return nil
	}

	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("qdrant collection check failed: %w", err)
	}
	if !exists {
		err := p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("qdrant collection create failed: %w", err)
		}
	}

	p.mu.Lock()
	p.known[collection] = true
	p.mu.Unlock()
	return nil
}

// matchFilter builds an exact-match Must filter from a metadata map.
func matchFilter(filter map[string]any) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		conditions = append(conditions, qdrant.NewMatch(k, fmt.Sprintf("%v", v)))
	}
	return &qdrant.Filter{Must: conditions}
}

func pointID(id *qdrant.PointId) string {
	switch v := id.GetPointIdOptions().(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	default:
		return ""
	}
}

func fromPayload(payload map[string]*qdrant.Value) map[string]any {
	meta := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			meta[k] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			meta[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			meta[k] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			meta[k] = kind.BoolValue
		}
	}
	return meta
}

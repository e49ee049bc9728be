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
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemConfig configures the embedded chromem provider.
type ChromemConfig struct {
	// PersistPath enables file persistence when set; otherwise vectors
	// live in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress gzips the persisted file.
	Compress bool `yaml:"compress,omitempty"`
}

// ChromemProvider is the zero-config default: an embedded pure-Go
// vector store. Everything is held in RAM and searched in-process, so
// larger deployments should point VECTOR_STORE_URL at Qdrant instead.
type ChromemProvider struct {
	db       *chromem.DB
	filePath string
	compress bool

	mu   sync.Mutex
	cols map[string]*chromem.Collection
}

var _ Provider = (*ChromemProvider)(nil)

// NewChromemProvider opens (or creates) the embedded store.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	p := &ChromemProvider{
		compress: cfg.Compress,
		cols:     make(map[string]*chromem.Collection),
	}

	if cfg.PersistPath == "" {
		p.db = chromem.NewDB()
		return p, nil
	}

	if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persist directory: %w", err)
	}
	p.filePath = filepath.Join(cfg.PersistPath, "vectors.gob")
	if cfg.Compress {
		p.filePath += ".gz"
	}

	if _, err := os.Stat(p.filePath); err == nil {
		db, err := chromem.NewPersistentDB(p.filePath, cfg.Compress)
		if err == nil {
			slog.Info("Loaded vector store", "path", p.filePath)
			p.db = db
			return p, nil
		}
		slog.Warn("Vector store file unreadable, starting empty", "path", p.filePath, "error", err)
	}
	p.db = chromem.NewDB()
	return p, nil
}

func (p *ChromemProvider) Name() string { return "chromem" }

func (p *ChromemProvider) Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	content, _ := metadata["content"].(string)
	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  stringify(metadata),
		Embedding: vec,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("chromem upsert failed: %w", err)
	}
	p.save()
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vec, topK, nil)
}

func (p *ChromemProvider) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := p.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than it holds.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = stringify(filter)
	}
	found, err := col.QueryEmbedding(ctx, vec, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query failed: %w", err)
	}

	out := make([]Result, 0, len(found))
	for _, doc := range found {
		meta := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		out = append(out, Result{
			ID:       doc.ID,
			Score:    doc.Similarity,
			Content:  doc.Content,
			Metadata: meta,
		})
	}
	return out, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection, id string) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("chromem delete failed: %w", err)
	}
	p.save()
	return nil
}

func (p *ChromemProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, stringify(filter), nil); err != nil {
		return fmt.Errorf("chromem filtered delete failed: %w", err)
	}
	p.save()
	return nil
}

// CreateCollection warms the cache; chromem creates collections
// implicitly.
func (p *ChromemProvider) CreateCollection(ctx context.Context, collection string, dim int) error {
	_, err := p.collection(collection)
	return err
}

func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("chromem collection delete failed: %w", err)
	}
	delete(p.cols, collection)
	p.saveLocked()
	return nil
}

func (p *ChromemProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.export()
}

func (p *ChromemProvider) collection(name string) (*chromem.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if col, ok := p.cols[name]; ok {
		return col, nil
	}
	// Vectors arrive pre-computed; the embedding hook must never run.
	col, err := p.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("unexpected embedding request for %q", name)
	})
	if err != nil {
		return nil, fmt.Errorf("chromem collection %q unavailable: %w", name, err)
	}
	p.cols[name] = col
	return col, nil
}

func (p *ChromemProvider) save() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveLocked()
}

func (p *ChromemProvider) saveLocked() {
	if err := p.export(); err != nil {
		slog.Warn("Failed to persist vector store", "path", p.filePath, "error", err)
	}
}

func (p *ChromemProvider) export() error {
	if p.filePath == "" {
		return nil
	}
	//nolint:staticcheck // Export is deprecated but its replacement is not in v0.7
	return p.db.Export(p.filePath, p.compress, "")
}

// stringify converts metadata to chromem's string-only representation.
func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

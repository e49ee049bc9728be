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

// Package knowledge implements the per-user knowledge base: document
// ingestion into token-bounded chunks and hybrid vector+keyword search.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/tandem/pkg/embedder"
	"github.com/kadirpekel/tandem/pkg/store"
	"github.com/kadirpekel/tandem/pkg/vector"
)

const (
	// Collection is the vector store collection holding knowledge
	// chunks.
	Collection = "knowledge"

	// searchBeta weights vector similarity against BM25 in the hybrid
	// score.
	searchBeta = 0.6
)

// Hit is one search result.
type Hit struct {
	ChunkID      string  `json:"chunk_id"`
	DocID        string  `json:"doc_id"`
	Text         string  `json:"text"`
	SourceOffset int     `json:"source_offset"`
	Score        float64 `json:"score"`
}

// Service is the knowledge subsystem.
type Service struct {
	records  store.RecordStore
	embedder embedder.Embedder
	vectors  vector.Provider
	chunker  *Chunker
}

// NewService creates a knowledge service.
func NewService(records store.RecordStore, emb embedder.Embedder, vectors vector.Provider, chunker *Chunker) *Service {
	if chunker == nil {
		chunker = NewChunker(0, 0)
	}
	if vectors == nil {
		vectors = vector.NilProvider{}
	}
	return &Service{records: records, embedder: emb, vectors: vectors, chunker: chunker}
}

// Ingest chunks, embeds and stores a plain-text document for a user.
func (s *Service) Ingest(ctx context.Context, userID, name, source, text string) (*store.KnowledgeDocument, error) {
	if userID == "" {
		return nil, store.ErrPermissionDenied
	}

	segments := s.chunker.Split(text)
	if len(segments) == 0 {
		return nil, fmt.Errorf("document %q contains no text", name)
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed document: %w", err)
	}

	doc := &store.KnowledgeDocument{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	chunks := make([]*store.KnowledgeChunk, len(segments))
	for i, seg := range segments {
		chunks[i] = &store.KnowledgeChunk{
			ID:           uuid.NewString(),
			DocID:        doc.ID,
			UserID:       userID,
			Ordinal:      i,
			SourceOffset: seg.SourceOffset,
			Text:         seg.Text,
			TokenCount:   seg.TokenCount,
			Embedding:    embeddings[i],
		}
	}

	if err := s.records.CreateDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	for _, c := range chunks {
		err := s.vectors.Upsert(ctx, Collection, c.ID, c.Embedding, map[string]any{
			"user_id": userID,
			"doc_id":  doc.ID,
			"ordinal": fmt.Sprintf("%d", c.Ordinal),
			"content": c.Text,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to index chunk: %w", err)
		}
	}
	return doc, nil
}

// Delete removes a document, its chunks and its vectors.
func (s *Service) Delete(ctx context.Context, userID, docID string) error {
	if userID == "" {
		return store.ErrPermissionDenied
	}
	if err := s.records.DeleteDocument(ctx, userID, docID); err != nil {
		return err
	}
	return s.vectors.DeleteByFilter(ctx, Collection, map[string]any{
		"user_id": userID,
		"doc_id":  docID,
	})
}

// Search returns the top-k chunks of the user's knowledge base by
// hybrid score. Every lookup is filtered by user; a search without a
// user is rejected. An empty knowledge base yields an empty result.
func (s *Service) Search(ctx context.Context, userID, query string, k int) ([]Hit, error) {
	if userID == "" {
		return nil, store.ErrPermissionDenied
	}
	if k <= 0 {
		k = 5
	}

	chunks, err := s.records.ListChunks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return []Hit{}, nil
	}

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Vector candidates give the cosine side of the score; stored
	// embeddings cover chunks the ANN pass missed.
	candidateK := k * 4
	if candidateK < 20 {
		candidateK = 20
	}
	vectorHits, err := s.vectors.SearchWithFilter(ctx, Collection, queryEmb, candidateK,
		map[string]any{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	cosineByID := make(map[string]float64, len(vectorHits))
	for _, h := range vectorHits {
		cosineByID[h.ID] = float64(h.Score)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	bm25 := newBM25Index(texts)

	rawBM25 := make([]float64, len(chunks))
	maxBM25 := 0.0
	for i := range chunks {
		rawBM25[i] = bm25.Score(i, query)
		if rawBM25[i] > maxBM25 {
			maxBM25 = rawBM25[i]
		}
	}

	hits := make([]Hit, 0, len(chunks))
	for i, c := range chunks {
		cos, ok := cosineByID[c.ID]
		if !ok {
			cos = cosineFallback(queryEmb, c.Embedding)
		}
		bm25Norm := 0.0
		if maxBM25 > 0 {
			bm25Norm = rawBM25[i] / maxBM25
		}
		hits = append(hits, Hit{
			ChunkID:      c.ID,
			DocID:        c.DocID,
			Text:         c.Text,
			SourceOffset: c.SourceOffset,
			Score:        searchBeta*cos + (1-searchBeta)*bm25Norm,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosineFallback(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

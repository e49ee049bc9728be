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

// Package testutils provides deterministic fakes for tests: a scripted
// LLM provider, a hash-based embedder and an in-memory vector store.
package testutils

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/tandem/pkg/llm"
	"github.com/kadirpekel/tandem/pkg/vector"
)

// Turn is one scripted provider response. Either Text or ToolCalls is
// consumed per Generate call.
type Turn struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
}

// ScriptedLLM replays a fixed sequence of turns. Each Generate or
// GenerateStreaming call consumes the next turn; running past the end
// returns an error so a test fails loudly instead of looping.
type ScriptedLLM struct {
	mu    sync.Mutex
	turns []Turn
	next  int

	// Requests records every request for assertions.
	Requests []*llm.Request
}

var _ llm.Provider = (*ScriptedLLM)(nil)

// NewScriptedLLM creates a provider that replays the given turns.
func NewScriptedLLM(turns ...Turn) *ScriptedLLM {
	return &ScriptedLLM{turns: turns}
}

// TextTurn is a convenience for a plain text response.
func TextTurn(text string) Turn {
	return Turn{Text: text}
}

// ToolTurn is a convenience for a tool-calling response.
func ToolTurn(calls ...llm.ToolCall) Turn {
	return Turn{ToolCalls: calls}
}

func (s *ScriptedLLM) take(req *llm.Request) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.next >= len(s.turns) {
		return Turn{}, fmt.Errorf("scripted llm exhausted after %d turns", len(s.turns))
	}
	t := s.turns[s.next]
	s.next++
	return t, nil
}

// Calls returns how many turns have been consumed.
func (s *ScriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *ScriptedLLM) Generate(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	t, err := s.take(req)
	if err != nil {
		return nil, err
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return &llm.Completion{
		Text:      t.Text,
		ToolCalls: t.ToolCalls,
		Usage:     llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *ScriptedLLM) GenerateStreaming(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	t, err := s.take(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(ch)
		if t.Err != nil {
			ch <- llm.StreamChunk{Type: llm.ChunkError, Err: t.Err}
			return
		}
		// Split text into word chunks to exercise delta handling.
		if t.Text != "" {
			words := strings.SplitAfter(t.Text, " ")
			for _, w := range words {
				if w == "" {
					continue
				}
				ch <- llm.StreamChunk{Type: llm.ChunkText, Text: w}
			}
		}
		for i := range t.ToolCalls {
			call := t.ToolCalls[i]
			ch <- llm.StreamChunk{Type: llm.ChunkToolCall, ToolCall: &call}
		}
		ch <- llm.StreamChunk{Type: llm.ChunkUsage, Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
		ch <- llm.StreamChunk{Type: llm.ChunkDone}
	}()
	return ch, nil
}

func (s *ScriptedLLM) ModelName() string { return "scripted" }

func (s *ScriptedLLM) Close() error { return nil }

// HashEmbedder maps text to a deterministic bag-of-words vector:
// identical texts embed identically and texts sharing words land close
// in cosine space. Good enough to exercise similarity thresholds.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder creates an embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{Dim: dim}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.Dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		f := fnv.New32a()
		f.Write([]byte(word))
		vec[int(f.Sum32())%h.Dim] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (h *HashEmbedder) Dimension() int { return h.Dim }

func (h *HashEmbedder) Model() string { return "hash" }

func (h *HashEmbedder) Close() error { return nil }

type fakeDoc struct {
	id       string
	vec      []float32
	metadata map[string]any
}

// FakeVector is an in-memory vector.Provider with exact cosine search.
type FakeVector struct {
	mu          sync.RWMutex
	collections map[string]map[string]*fakeDoc
}

var _ vector.Provider = (*FakeVector)(nil)

// NewFakeVector creates an empty in-memory vector store.
func NewFakeVector() *FakeVector {
	return &FakeVector{collections: make(map[string]map[string]*fakeDoc)}
}

func (f *FakeVector) Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		col = make(map[string]*fakeDoc)
		f.collections[collection] = col
	}
	vcopy := make([]float32, len(vec))
	copy(vcopy, vec)
	mcopy := make(map[string]any, len(metadata))
	for k, v := range metadata {
		mcopy[k] = v
	}
	col[id] = &fakeDoc{id: id, vec: vcopy, metadata: mcopy}
	return nil
}

func (f *FakeVector) Search(ctx context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	return f.SearchWithFilter(ctx, collection, vec, topK, nil)
}

func (f *FakeVector) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]vector.Result, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	col := f.collections[collection]
	var results []vector.Result
	for _, doc := range col {
		if !matchesFilter(doc.metadata, filter) {
			continue
		}
		content, _ := doc.metadata["content"].(string)
		results = append(results, vector.Result{
			ID:       doc.id,
			Score:    Cosine(vec, doc.vec),
			Content:  content,
			Vector:   doc.vec,
			Metadata: doc.metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (f *FakeVector) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if col, ok := f.collections[collection]; ok {
		delete(col, id)
	}
	return nil
}

func (f *FakeVector) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	col := f.collections[collection]
	for id, doc := range col {
		if matchesFilter(doc.metadata, filter) {
			delete(col, id)
		}
	}
	return nil
}

func (f *FakeVector) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[collection]; !ok {
		f.collections[collection] = make(map[string]*fakeDoc)
	}
	return nil
}

func (f *FakeVector) DeleteCollection(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, collection)
	return nil
}

func (f *FakeVector) Name() string { return "fake" }

func (f *FakeVector) Close() error { return nil }

func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		if fmt.Sprintf("%v", metadata[k]) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Cosine computes cosine similarity between two vectors.
func Cosine(a, b []float32) float32 {
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
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

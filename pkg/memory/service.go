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

// Package memory implements per-user long-term memory: extraction from
// run transcripts, similarity deduplication, topic-filtered search and
// background consolidation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/tandem/pkg/embedder"
	"github.com/kadirpekel/tandem/pkg/llm"
	"github.com/kadirpekel/tandem/pkg/store"
)

const (
	// DefaultDedupCosine is the cosine threshold above which a candidate
	// may be a duplicate of an existing memory.
	DefaultDedupCosine = 0.90

	// DefaultDedupJaccard is the token-Jaccard threshold that must also
	// hold for a candidate to be dropped as a duplicate.
	DefaultDedupJaccard = 0.6

	// DefaultMergeCosine is the consolidation threshold for the
	// optimizer.
	DefaultMergeCosine = 0.95

	// searchAlpha weights cosine similarity against topic overlap.
	searchAlpha = 0.7
)

// Config tunes the memory service thresholds.
type Config struct {
	DedupCosine  float64
	DedupJaccard float64
	MergeCosine  float64
}

// SetDefaults applies default thresholds.
func (c *Config) SetDefaults() {
	if c.DedupCosine == 0 {
		c.DedupCosine = DefaultDedupCosine
	}
	if c.DedupJaccard == 0 {
		c.DedupJaccard = DefaultDedupJaccard
	}
	if c.MergeCosine == 0 {
		c.MergeCosine = DefaultMergeCosine
	}
}

// Scored is a search hit with its combined score.
type Scored struct {
	Memory *store.Memory
	Score  float64
}

// Service is the memory subsystem. Writes are serialized per user so
// dedup decisions are deterministic; reads run concurrently.
type Service struct {
	records  store.RecordStore
	embedder embedder.Embedder
	provider llm.Provider
	config   Config

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewService creates a memory service. The LLM provider is used for
// extraction and may be nil if CaptureFromRun is never called.
func NewService(records store.RecordStore, emb embedder.Embedder, provider llm.Provider, cfg Config) *Service {
	cfg.SetDefaults()
	return &Service{
		records:   records,
		embedder:  emb,
		provider:  provider,
		config:    cfg,
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// Candidate is one extracted memory candidate.
type Candidate struct {
	Text   string   `json:"text"`
	Topics []string `json:"topics"`
}

type extraction struct {
	Memories []Candidate `json:"memories"`
}

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"memories": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":   map[string]any{"type": "string"},
					"topics": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required":             []string{"text", "topics"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"memories"},
	"additionalProperties": false,
}

const extractionPrompt = `Extract durable facts about the user from the conversation below.
Only include facts worth remembering across sessions: preferences, goals,
relationships, work context, skills, constraints. Skip transient details
and anything about the assistant itself. Return an empty list when
nothing qualifies.

Tag each fact with one or more topics, preferring these:
%s

Conversation:
%s`

// CaptureFromRun extracts memory candidates from a run transcript and
// persists the ones that are not duplicates. Returns the memories
// created. Errors are for the caller to log; a failed capture never
// fails a run.
func (s *Service) CaptureFromRun(ctx context.Context, userID, transcript string) ([]*store.Memory, error) {
	if s.provider == nil {
		return nil, nil
	}

	prompt := fmt.Sprintf(extractionPrompt, strings.Join(StandardTopics, ", "), transcript)
	completion, err := s.provider.Generate(ctx, &llm.Request{
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseSchema: extractionSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("memory extraction failed: %w", err)
	}

	var extracted extraction
	if err := json.Unmarshal([]byte(completion.Text), &extracted); err != nil {
		return nil, fmt.Errorf("memory extraction returned invalid JSON: %w", err)
	}

	var created []*store.Memory
	for _, cand := range extracted.Memories {
		m, err := s.Create(ctx, userID, cand)
		if err != nil {
			slog.Warn("Failed to persist memory candidate", "user_id", userID, "error", err)
			continue
		}
		if m != nil {
			created = append(created, m)
		}
	}
	return created, nil
}

// Create persists one candidate unless it duplicates an existing
// memory. Returns nil without error when the candidate was dropped as a
// duplicate.
func (s *Service) Create(ctx context.Context, userID string, cand Candidate) (*store.Memory, error) {
	if userID == "" {
		return nil, store.ErrPermissionDenied
	}
	text := strings.TrimSpace(cand.Text)
	if text == "" {
		return nil, fmt.Errorf("empty memory text")
	}

	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed memory: %w", err)
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.records.ListMemories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	for _, m := range existing {
		if cosine(emb, m.Embedding) >= s.config.DedupCosine &&
			tokenJaccard(text, m.Text) >= s.config.DedupJaccard {
			slog.Debug("Dropping duplicate memory", "user_id", userID, "existing_id", m.ID)
			return nil, nil
		}
	}

	m := &store.Memory{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		Topics:    NormalizeTopics(cand.Topics),
		Embedding: emb,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.records.CreateMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to create memory: %w", err)
	}
	return m, nil
}

// Search returns up to k non-archived memories of the user, ranked by
// combined cosine and topic-overlap score. A non-empty topics argument
// is a structural prefilter: memories sharing no listed topic are
// excluded before ranking.
func (s *Service) Search(ctx context.Context, userID string, topics []string, query string, k int) ([]Scored, error) {
	if userID == "" {
		return nil, store.ErrPermissionDenied
	}
	if k <= 0 {
		k = 5
	}
	topics = NormalizeTopics(topics)

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	memories, err := s.records.ListMemories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}

	var hits []Scored
	for _, m := range memories {
		if !hasAnyTopic(topics, m.Topics) {
			continue
		}
		score := searchAlpha*float64(cosine(queryEmb, m.Embedding)) +
			(1-searchAlpha)*topicOverlap(topics, m.Topics)
		hits = append(hits, Scored{Memory: m, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Optimize consolidates a user's memories: groups whose pairwise cosine
// reaches the merge threshold collapse into one canonical memory with
// unioned topics and the longest text. Originals are archived, never
// deleted. Returns the number of merges performed.
func (s *Service) Optimize(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, store.ErrPermissionDenied
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	memories, err := s.records.ListMemories(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list memories: %w", err)
	}

	merged := 0
	used := make(map[string]bool, len(memories))
	for i, a := range memories {
		if used[a.ID] {
			continue
		}
		group := []*store.Memory{a}
		for _, b := range memories[i+1:] {
			if used[b.ID] {
				continue
			}
			if cosine(a.Embedding, b.Embedding) >= s.config.MergeCosine {
				group = append(group, b)
			}
		}
		if len(group) < 2 {
			continue
		}

		canonical, archiveIDs, err := s.mergeGroup(ctx, userID, group)
		if err != nil {
			return merged, err
		}
		for _, m := range group {
			used[m.ID] = true
		}
		if err := s.records.CreateMemory(ctx, canonical); err != nil {
			return merged, fmt.Errorf("failed to create merged memory: %w", err)
		}
		if err := s.records.ArchiveMemories(ctx, userID, archiveIDs); err != nil {
			return merged, fmt.Errorf("failed to archive merged memories: %w", err)
		}
		merged++
	}
	return merged, nil
}

// mergeGroup builds the canonical memory for a merge group. The user
// boundary is enforced here: a member attributed to another user is
// dropped from the group and reported at error level.
func (s *Service) mergeGroup(ctx context.Context, userID string, group []*store.Memory) (*store.Memory, []string, error) {
	var longest *store.Memory
	topicSet := make(map[string]bool)
	archiveIDs := make([]string, 0, len(group))

	for _, m := range group {
		if m.UserID != userID {
			slog.Error("Merge candidate crossed user boundary, dropping",
				"user_id", userID, "memory_id", m.ID, "memory_user_id", m.UserID)
			continue
		}
		archiveIDs = append(archiveIDs, m.ID)
		for _, t := range m.Topics {
			topicSet[t] = true
		}
		if longest == nil || len(m.Text) > len(longest.Text) {
			longest = m
		}
	}
	if longest == nil {
		return nil, nil, fmt.Errorf("merge group contained no memories for user %s", userID)
	}

	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	emb, err := s.embedder.Embed(ctx, longest.Text)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed merged memory: %w", err)
	}

	return &store.Memory{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      longest.Text,
		Topics:    topics,
		Embedding: emb,
		CreatedAt: time.Now().UTC(),
	}, archiveIDs, nil
}

// RunOptimizer runs Optimize for all given users on an interval until
// ctx is cancelled.
func (s *Service) RunOptimizer(ctx context.Context, interval time.Duration, listUsers func(context.Context) ([]string, error)) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users, err := listUsers(ctx)
			if err != nil {
				slog.Warn("Memory optimizer could not list users", "error", err)
				continue
			}
			for _, userID := range users {
				if n, err := s.Optimize(ctx, userID); err != nil {
					slog.Warn("Memory optimization failed", "user_id", userID, "error", err)
				} else if n > 0 {
					slog.Info("Consolidated memories", "user_id", userID, "merges", n)
				}
			}
		}
	}
}

func cosine(a, b []float32) float64 {
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

// tokenJaccard is set overlap of lowercased word tokens.
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

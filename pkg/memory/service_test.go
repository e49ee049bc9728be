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

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tandem/pkg/store"
	"github.com/kadirpekel/tandem/pkg/testutils"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	records := store.NewMemoryStore()
	svc := NewService(records, testutils.NewHashEmbedder(64), nil, Config{})
	return svc, records
}

func TestCreateAndSearch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, "alice", Candidate{Text: "prefers dark roast coffee in the morning", Topics: []string{"food"}})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "alice", Candidate{Text: "works as a backend engineer at a fintech", Topics: []string{"work"}})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "alice", nil, "what coffee does the user like", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Memory.Text, "coffee")
}

func TestCreateDropsDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, records := newTestService(t)

	first, err := svc.Create(ctx, "alice", Candidate{Text: "prefers dark roast coffee", Topics: []string{"food"}})
	require.NoError(t, err)
	require.NotNil(t, first)

	// Identical text: cosine 1.0 and Jaccard 1.0, dropped silently.
	dup, err := svc.Create(ctx, "alice", Candidate{Text: "prefers dark roast coffee", Topics: []string{"food"}})
	require.NoError(t, err)
	assert.Nil(t, dup)

	memories, err := records.ListMemories(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}

func TestCreateRejectsEmptyText(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "alice", Candidate{Text: "   "})
	assert.Error(t, err)
}

func TestSearchIsolatedPerUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, "alice", Candidate{Text: "allergic to peanuts", Topics: []string{"health"}})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "bob", nil, "peanut allergy", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Search(context.Background(), "", nil, "anything", 5)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestCreateRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "", Candidate{Text: "orphaned fact"})
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestOptimizeRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Optimize(context.Background(), "")
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestSearchTopicPrefilter(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, "alice", Candidate{Text: "runs a marathon every spring", Topics: []string{"hobbies"}})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "alice", Candidate{Text: "manages a team of five engineers", Topics: []string{"work"}})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "alice", []string{"work"}, "what does the user do", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Memory.Text, "engineers")
}

func TestSearchLimitsResults(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	texts := []string{
		"likes hiking in the alps",
		"studies machine learning on weekends",
		"plays jazz piano",
		"volunteers at an animal shelter",
	}
	for _, text := range texts {
		_, err := svc.Create(ctx, "alice", Candidate{Text: text, Topics: []string{"hobbies"}})
		require.NoError(t, err)
	}

	hits, err := svc.Search(ctx, "alice", nil, "hobbies", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestOptimizeMergesNearIdentical(t *testing.T) {
	ctx := context.Background()
	svc, records := newTestService(t)

	// Same token bag embeds identically, so cosine is 1.0.
	_, err := svc.Create(ctx, "alice", Candidate{Text: "lives in berlin germany", Topics: []string{"location"}})
	require.NoError(t, err)

	emb := testutils.NewHashEmbedder(64)
	vec, err := emb.Embed(ctx, "lives in berlin germany")
	require.NoError(t, err)
	require.NoError(t, records.CreateMemory(ctx, &store.Memory{
		ID:        "near-dup",
		UserID:    "alice",
		Text:      "germany berlin in lives currently",
		Topics:    []string{"personal_info"},
		Embedding: vec,
	}))

	merges, err := svc.Optimize(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, merges)

	memories, err := records.ListMemories(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, memories, 1, "originals archived, one canonical memory remains")
	assert.Equal(t, "germany berlin in lives currently", memories[0].Text, "longest text wins")
	assert.ElementsMatch(t, []string{"location", "personal_info"}, memories[0].Topics)
}

func TestOptimizeLeavesDistinctAlone(t *testing.T) {
	ctx := context.Background()
	svc, records := newTestService(t)

	_, err := svc.Create(ctx, "alice", Candidate{Text: "prefers tabs over spaces", Topics: []string{"preferences"}})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "alice", Candidate{Text: "grew up near the ocean", Topics: []string{"personal_info"}})
	require.NoError(t, err)

	merges, err := svc.Optimize(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, merges)

	memories, err := records.ListMemories(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, memories, 2)
}

func TestTokenJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, tokenJaccard("likes go", "likes go"), 1e-9)
	assert.InDelta(t, 1.0, tokenJaccard("", ""), 1e-9)
	assert.Zero(t, tokenJaccard("alpha beta", "gamma delta"))
	assert.InDelta(t, 1.0/3.0, tokenJaccard("a b", "b c"), 1e-9)
}

func TestNormalizeTopics(t *testing.T) {
	got := NormalizeTopics([]string{"Personal Info", "personal-info", "WORK", "", "work"})
	assert.Equal(t, []string{"personal_info", "work"}, got)
}

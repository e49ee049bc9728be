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

package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tandem/pkg/store"
	"github.com/kadirpekel/tandem/pkg/testutils"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	records := store.NewMemoryStore()
	svc := NewService(records, testutils.NewHashEmbedder(64), testutils.NewFakeVector(), NewChunker(10, 80))
	return svc, records
}

func TestIngestAndSearch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	doc, err := svc.Ingest(ctx, "alice", "handbook", "upload",
		"The deployment pipeline runs on merge to main.\n\nVacation requests go through the HR portal.")
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)

	hits, err := svc.Search(ctx, "alice", "how do I request vacation", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Text, "Vacation")
	assert.Equal(t, doc.ID, hits[0].DocID)
}

func TestSearchEmptyKnowledgeBase(t *testing.T) {
	svc, _ := newTestService(t)
	hits, err := svc.Search(context.Background(), "alice", "anything", 5)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestSearchRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Search(context.Background(), "", "anything", 5)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestSearchIsolatedPerUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Ingest(ctx, "alice", "private", "upload", "The launch codes are stored in the vault.")
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "bob", "launch codes", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIngestRejectsEmptyDocument(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Ingest(context.Background(), "alice", "empty", "upload", "   \n\n  ")
	assert.Error(t, err)
}

func TestDeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	svc, records := newTestService(t)

	doc, err := svc.Ingest(ctx, "alice", "notes", "upload", "Some retrievable content about databases.")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, "bob", doc.ID), store.ErrPermissionDenied)
	require.NoError(t, svc.Delete(ctx, "alice", doc.ID))

	chunks, err := records.ListChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	hits, err := svc.Search(ctx, "alice", "databases", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHybridRankingFavorsKeywordMatch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Ingest(ctx, "alice", "doc", "upload",
		"Kubernetes ingress routes external traffic to services.\n\nThe cafeteria menu changes every monday.")
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "alice", "kubernetes ingress traffic", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Contains(t, strings.ToLower(hits[0].Text), "kubernetes")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestChunkerSplitsParagraphs(t *testing.T) {
	c := NewChunker(10, 20)

	text := "First paragraph has a handful of words in it right here.\n\nSecond paragraph also carries a decent number of words overall."
	chunks := c.Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].SourceOffset)
	assert.Contains(t, chunks[0].Text, "First paragraph")
	assert.Contains(t, chunks[1].Text, "Second paragraph")
	assert.Greater(t, chunks[1].SourceOffset, chunks[0].SourceOffset)
	for _, ch := range chunks {
		assert.Positive(t, ch.TokenCount)
	}
}

func TestChunkerFallsBackToSentences(t *testing.T) {
	c := NewChunker(8, 10)

	// One paragraph far over the hard cap must split on sentences.
	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString("This sentence pads the paragraph with several words. ")
	}
	chunks := c.Split(b.String())
	require.Greater(t, len(chunks), 1)
}

func TestChunkerHardSplitsRunOnSentence(t *testing.T) {
	c := NewChunker(8, 10)

	// A single sentence with no terminal punctuation, far over the hard
	// cap, must still come back in bounded pieces.
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("word ")
	}
	chunks := c.Split(strings.TrimSpace(b.String()))
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 10)
	}
}

func TestChunkerEmptyInput(t *testing.T) {
	c := NewChunker(0, 0)
	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("  \n \n "))
}

func TestBM25RanksTermMatches(t *testing.T) {
	docs := []string{
		"the quick brown fox jumps over the lazy dog",
		"kubernetes manages container workloads across nodes",
		"a recipe for sourdough bread with rye flour",
	}
	idx := newBM25Index(docs)

	best, bestScore := -1, 0.0
	for i := range docs {
		if score := idx.Score(i, "kubernetes container"); score > bestScore {
			best, bestScore = i, score
		}
	}
	assert.Equal(t, 1, best)
	assert.Positive(t, bestScore)

	assert.Zero(t, idx.Score(0, "zeppelin"))
}

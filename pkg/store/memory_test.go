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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunStreaming.Terminal())
	assert.True(t, RunSucceeded.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunCancelled.Terminal())
}

func TestAppendEventsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	events := []*EventRecord{
		{RunID: "r1", UserID: "alice", ProducerID: "a", Seq: 1, RunSeq: 1, Kind: "run_started"},
		{RunID: "r1", UserID: "alice", ProducerID: "a", Seq: 2, RunSeq: 2, Kind: "content_delta"},
	}
	require.NoError(t, s.AppendEvents(ctx, events))

	// A retried batch must not duplicate rows.
	require.NoError(t, s.AppendEvents(ctx, events))

	got, err := s.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].RunSeq)
	assert.Equal(t, int64(2), got[1].RunSeq)
	assert.Equal(t, "alice", got[0].UserID)
}

func TestAppendMessagesIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msgs := []*Message{
		{ID: "r1/user", RunID: "r1", Role: "user", Content: "hi"},
		{ID: "r1/assistant", RunID: "r1", Role: "assistant", Content: "hello"},
	}
	require.NoError(t, s.AppendMessages(ctx, msgs))
	require.NoError(t, s.AppendMessages(ctx, msgs))

	got, err := s.ListMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestListRunsTopLevelOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Now().UTC()
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r1", SessionID: "s1", CreatedAt: base}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r2", SessionID: "s1", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "sub", SessionID: "s1", ParentRunID: "r2", CreatedAt: base.Add(2 * time.Second)}))

	runs, err := s.ListRuns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2, "sub-runs must not appear in session history")

	// Limit keeps the most recent runs.
	runs, err = s.ListRuns(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)
}

func TestMarkInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "pending", SessionID: "s1", Status: RunPending}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "streaming", SessionID: "s1", Status: RunStreaming}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "done", SessionID: "s1", Status: RunSucceeded, CompletedAt: &now}))

	n, err := s.MarkInterruptedRuns(ctx, "internal", "interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := s.GetRun(ctx, "streaming")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, "internal", r.ErrorKind)

	r, err = s.GetRun(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, r.Status)
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateSession(ctx, &Session{ID: "s1", UserID: "u1"}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r1", SessionID: "s1"}))
	require.NoError(t, s.AppendMessages(ctx, []*Message{{ID: "r1/user", RunID: "r1", Role: "user", Content: "hi"}}))
	require.NoError(t, s.AppendEvents(ctx, []*EventRecord{{RunID: "r1", ProducerID: "a", Seq: 1, RunSeq: 1, Kind: "run_started"}}))

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err := s.GetRun(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := s.ListMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryOwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateMemory(ctx, &Memory{ID: "m1", UserID: "alice", Text: "likes go"}))

	err := s.ArchiveMemories(ctx, "bob", []string{"m1"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = s.UpdateMemory(ctx, &Memory{ID: "m1", UserID: "bob", Text: "tampered"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestArchivedMemoriesHidden(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateMemory(ctx, &Memory{ID: "m1", UserID: "alice", Text: "a"}))
	require.NoError(t, s.CreateMemory(ctx, &Memory{ID: "m2", UserID: "alice", Text: "b"}))
	require.NoError(t, s.ArchiveMemories(ctx, "alice", []string{"m1"}))

	out, err := s.ListMemories(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m2", out[0].ID)
}

func TestDeleteDocumentRemovesChunks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	doc := &KnowledgeDocument{ID: "d1", UserID: "alice", Name: "doc"}
	chunks := []*KnowledgeChunk{
		{ID: "c1", DocID: "d1", UserID: "alice", Text: "one", Ordinal: 0},
		{ID: "c2", DocID: "d1", UserID: "alice", Text: "two", Ordinal: 1},
	}
	require.NoError(t, s.CreateDocument(ctx, doc, chunks))

	assert.ErrorIs(t, s.DeleteDocument(ctx, "bob", "d1"), ErrPermissionDenied)
	require.NoError(t, s.DeleteDocument(ctx, "alice", "d1"))

	got, err := s.ListChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got)
}

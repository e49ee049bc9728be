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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tandem/pkg/store"
)

func TestGetOrCreateFreshSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore())

	sess, err := m.GetOrCreate(ctx, "alice", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "alice", sess.UserID)
}

func TestGetOrCreateResumesOwnSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore())

	first, err := m.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)
	second, err := m.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore())

	_, err := m.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)

	_, err = m.GetOrCreate(ctx, "bob", "chat-1")
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestGetOrCreateRequiresUser(t *testing.T) {
	_, err := NewManager(store.NewMemoryStore()).GetOrCreate(context.Background(), "", "chat-1")
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
}

func TestHistorySkipsFailedRuns(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryStore()
	m := NewManager(records)

	base := time.Now().UTC()
	runs := []*store.Run{
		{ID: "r1", SessionID: "s1", Status: store.RunSucceeded, Input: "one", Output: "1", CreatedAt: base},
		{ID: "r2", SessionID: "s1", Status: store.RunFailed, Input: "two", CreatedAt: base.Add(time.Second)},
		{ID: "r3", SessionID: "s1", Status: store.RunSucceeded, Input: "three", Output: "3", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, r := range runs {
		require.NoError(t, records.CreateRun(ctx, r))
	}

	entries, err := m.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0].Input)
	assert.Equal(t, "three", entries[1].Input)

	// The window keeps the most recent exchanges.
	entries, err = m.History(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "three", entries[0].Input)

	entries, err = m.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRenameAndDeleteScopedToOwner(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore())

	_, err := m.GetOrCreate(ctx, "alice", "chat-1")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Rename(ctx, "bob", "chat-1", "stolen"), store.ErrPermissionDenied)
	assert.ErrorIs(t, m.Delete(ctx, "bob", "chat-1"), store.ErrPermissionDenied)

	require.NoError(t, m.Rename(ctx, "alice", "chat-1", "plans"))
	sessions, err := m.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "plans", sessions[0].Title)

	require.NoError(t, m.Delete(ctx, "alice", "chat-1"))
	sessions, err = m.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

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

// Package session manages conversation sessions: ownership-checked
// lookup, rolling history for context assembly and owner-scoped
// mutation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/tandem/pkg/agent"
	"github.com/kadirpekel/tandem/pkg/store"
)

// Manager is the session layer over the record store.
type Manager struct {
	records store.RecordStore
}

// NewManager creates a session manager.
func NewManager(records store.RecordStore) *Manager {
	return &Manager{records: records}
}

// GetOrCreate resolves a session for a user. An empty sessionID creates
// a fresh session. A sessionID owned by another user is rejected with
// ErrPermissionDenied; an unknown sessionID is created with that ID so
// clients may pick their own identifiers.
func (m *Manager) GetOrCreate(ctx context.Context, userID, sessionID string) (*store.Session, error) {
	if userID == "" {
		return nil, store.ErrPermissionDenied
	}
	if err := m.records.UpsertUser(ctx, &store.User{ID: userID}); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	if sessionID != "" {
		sess, err := m.records.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			if sess.UserID != userID {
				return nil, store.ErrPermissionDenied
			}
			return sess, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	sess := &store.Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.records.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// History returns the last n completed top-level exchanges of a
// session, oldest first.
func (m *Manager) History(ctx context.Context, sessionID string, n int) ([]agent.HistoryEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	runs, err := m.records.ListRuns(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	var entries []agent.HistoryEntry
	for _, r := range runs {
		if r.Status != store.RunSucceeded {
			continue
		}
		entries = append(entries, agent.HistoryEntry{Input: r.Input, Output: r.Output})
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// List returns the user's sessions.
func (m *Manager) List(ctx context.Context, userID string) ([]*store.Session, error) {
	return m.records.ListSessions(ctx, userID)
}

// Rename sets a session title, scoped to the owner.
func (m *Manager) Rename(ctx context.Context, userID, sessionID, title string) error {
	if err := m.checkOwner(ctx, userID, sessionID); err != nil {
		return err
	}
	return m.records.UpdateSessionTitle(ctx, sessionID, title)
}

// Delete removes a session and cascades to its runs, messages and
// events, scoped to the owner.
func (m *Manager) Delete(ctx context.Context, userID, sessionID string) error {
	if err := m.checkOwner(ctx, userID, sessionID); err != nil {
		return err
	}
	return m.records.DeleteSession(ctx, sessionID)
}

func (m *Manager) checkOwner(ctx context.Context, userID, sessionID string) error {
	sess, err := m.records.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return store.ErrPermissionDenied
	}
	return nil
}

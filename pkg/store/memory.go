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
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory RecordStore used by tests and ephemeral
// deployments. Everything is copied on the way in and out so callers
// can't mutate stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	sessions  map[string]*Session
	runs      map[string]*Run
	messages  map[string]map[string]*Message // runID -> messageID
	events    map[string]map[eventKey]*EventRecord
	memories  map[string]*Memory
	documents map[string]*KnowledgeDocument
	chunks    map[string]*KnowledgeChunk
}

type eventKey struct {
	producerID string
	seq        int64
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		sessions:  make(map[string]*Session),
		runs:      make(map[string]*Run),
		messages:  make(map[string]map[string]*Message),
		events:    make(map[string]map[eventKey]*EventRecord),
		memories:  make(map[string]*Memory),
		documents: make(map[string]*KnowledgeDocument),
		chunks:    make(map[string]*KnowledgeChunk),
	}
}

func (s *MemoryStore) UpsertUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.users[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.sessions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	for runID, run := range s.runs {
		if run.SessionID == id {
			delete(s.runs, runID)
			delete(s.messages, runID)
			delete(s.events, runID)
		}
	}
	return nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = RunPending
	}
	s.runs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = r.Status
	existing.Output = r.Output
	existing.ErrorKind = r.ErrorKind
	existing.ErrorMsg = r.ErrorMsg
	existing.CompletedAt = r.CompletedAt
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, sessionID string, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, r := range s.runs {
		if r.SessionID == sessionID && r.ParentRunID == "" {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) MarkInterruptedRuns(ctx context.Context, errorKind, errorMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			r.Status = RunFailed
			r.ErrorKind = errorKind
			r.ErrorMsg = errorMsg
			r.CompletedAt = &now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, msgs []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		byID, ok := s.messages[m.RunID]
		if !ok {
			byID = make(map[string]*Message)
			s.messages[m.RunID] = byID
		}
		if _, exists := byID[m.ID]; exists {
			continue
		}
		cp := *m
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		byID[m.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, runID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages[runID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, events []*EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		byKey, ok := s.events[e.RunID]
		if !ok {
			byKey = make(map[eventKey]*EventRecord)
			s.events[e.RunID] = byKey
		}
		key := eventKey{producerID: e.ProducerID, seq: e.Seq}
		if _, exists := byKey[key]; exists {
			continue
		}
		cp := *e
		byKey[key] = &cp
	}
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*EventRecord
	for _, e := range s.events[runID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunSeq < out[j].RunSeq })
	return out, nil
}

func (s *MemoryStore) CreateMemory(ctx context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyMemory(m)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.memories[cp.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateMemory(ctx context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.memories[m.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.UserID != m.UserID {
		return ErrPermissionDenied
	}
	cp := copyMemory(m)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.memories[cp.ID] = cp
	return nil
}

func (s *MemoryStore) ArchiveMemories(ctx context.Context, userID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.memories[id]
		if !ok {
			continue
		}
		if m.UserID != userID {
			return ErrPermissionDenied
		}
		m.Archived = true
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ListMemories(ctx context.Context, userID string) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Memory
	for _, m := range s.memories {
		if m.UserID == userID && !m.Archived {
			out = append(out, copyMemory(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, d *KnowledgeDocument, chunks []*KnowledgeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.documents[cp.ID] = &cp
	for _, c := range chunks {
		ccp := *c
		ccp.Embedding = append([]float32(nil), c.Embedding...)
		s.chunks[ccp.ID] = &ccp
	}
	return nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, userID string) ([]*KnowledgeDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*KnowledgeDocument
	for _, d := range s.documents {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, userID string) ([]*KnowledgeChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*KnowledgeChunk
	for _, c := range s.chunks {
		if c.UserID == userID {
			cp := *c
			cp.Embedding = append([]float32(nil), c.Embedding...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocID != out[j].DocID {
			return out[i].DocID < out[j].DocID
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, userID, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[docID]
	if !ok {
		return ErrNotFound
	}
	if d.UserID != userID {
		return ErrPermissionDenied
	}
	delete(s.documents, docID)
	for id, c := range s.chunks {
		if c.DocID == docID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyMemory(m *Memory) *Memory {
	cp := *m
	cp.Topics = append([]string(nil), m.Topics...)
	cp.Embedding = append([]float32(nil), m.Embedding...)
	return &cp
}

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

// Package store defines the durable record store for users, sessions,
// runs, messages, events, memories and knowledge. Append operations are
// idempotent so a crashed flush can be replayed safely.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by all implementations.
var (
	ErrNotFound         = errors.New("record not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunStreaming RunStatus = "streaming"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// User is an authenticated principal. All owned data hangs off UserID.
type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Session is a named conversation thread owned by one user.
type Session struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is one request/response cycle within a session. Member sub-runs
// carry the parent run's ID.
type Run struct {
	ID          string
	SessionID   string
	UserID      string
	ParentRunID string
	AgentID     string
	Status      RunStatus
	Input       string
	Output      string
	ErrorKind   string
	ErrorMsg    string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Message is one persisted conversation message.
type Message struct {
	ID         string
	RunID      string
	SessionID  string
	UserID     string
	Role       string
	Content    string
	ToolCallID string
	AgentID    string
	CreatedAt  time.Time
}

// EventRecord is a persisted run event. Payload is the JSON-serialized
// event payload.
type EventRecord struct {
	RunID      string
	UserID     string
	ProducerID string
	Seq        int64
	RunSeq     int64
	Kind       string
	Payload    []byte
	TS         time.Time
}

// Memory is one long-term fact about a user.
type Memory struct {
	ID        string
	UserID    string
	Text      string
	Topics    []string
	Embedding []float32
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// KnowledgeDocument is an ingested document owned by one user.
type KnowledgeDocument struct {
	ID        string
	UserID    string
	Name      string
	Source    string
	CreatedAt time.Time
}

// KnowledgeChunk is one retrievable slice of a document.
type KnowledgeChunk struct {
	ID           string
	DocID        string
	UserID       string
	Ordinal      int
	SourceOffset int
	Text         string
	TokenCount   int
	Embedding    []float32
}

// RecordStore is the persistence boundary of the runtime.
type RecordStore interface {
	// Users
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	// DeleteSession cascades to the session's runs, messages and events.
	DeleteSession(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRun overwrites the mutable fields (status, output, error,
	// completion time) of an existing run.
	UpdateRun(ctx context.Context, r *Run) error
	// ListRuns returns the most recent top-level runs of a session in
	// chronological order, at most limit (0 means all). Member sub-runs
	// are excluded.
	ListRuns(ctx context.Context, sessionID string, limit int) ([]*Run, error)
	// MarkInterruptedRuns transitions all non-terminal runs to failed.
	// Called once at startup to recover from a crash.
	MarkInterruptedRuns(ctx context.Context, errorKind, errorMsg string) (int, error)

	// Messages; idempotent by (run_id, message_id).
	AppendMessages(ctx context.Context, msgs []*Message) error
	ListMessages(ctx context.Context, runID string) ([]*Message, error)

	// Events; idempotent by (run_id, producer_id, seq).
	AppendEvents(ctx context.Context, events []*EventRecord) error
	// ListEvents returns a run's events ordered by run_seq.
	ListEvents(ctx context.Context, runID string) ([]*EventRecord, error)

	// Memories
	CreateMemory(ctx context.Context, m *Memory) error
	UpdateMemory(ctx context.Context, m *Memory) error
	// ArchiveMemories moves memories out of the active set. Archived
	// memories are excluded from ListMemories.
	ArchiveMemories(ctx context.Context, userID string, ids []string) error
	ListMemories(ctx context.Context, userID string) ([]*Memory, error)

	// Knowledge
	CreateDocument(ctx context.Context, d *KnowledgeDocument, chunks []*KnowledgeChunk) error
	ListDocuments(ctx context.Context, userID string) ([]*KnowledgeDocument, error)
	ListChunks(ctx context.Context, userID string) ([]*KnowledgeChunk, error)
	DeleteDocument(ctx context.Context, userID, docID string) error

	Close() error
}

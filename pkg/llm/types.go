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

// Package llm defines the provider interface for chat completion
// backends and the message types exchanged with them. Providers speak
// the vendor wire protocols directly over HTTP.
package llm

import (
	"context"

	"github.com/kadirpekel/tandem/pkg/tool"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a provider's request to invoke a tool. Args holds the
// parsed arguments; RawArgs preserves the original JSON for providers
// that echo it back.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args,omitempty"`
	RawArgs string         `json:"raw_args,omitempty"`
}

// Usage is token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one chat completion request.
type Request struct {
	Messages    []Message
	Tools       []tool.Definition
	Temperature float64
	MaxTokens   int

	// ResponseSchema, when set, asks the provider for structured JSON
	// output matching the schema. Used by memory extraction.
	ResponseSchema map[string]any
}

// Completion is the full result of a non-streaming request.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// ChunkType discriminates StreamChunk variants.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkUsage    ChunkType = "usage"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one increment of a streaming completion. Tool calls
// are accumulated by the provider and delivered whole.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Provider is a chat completion backend.
type Provider interface {
	// Generate performs a non-streaming completion.
	Generate(ctx context.Context, req *Request) (*Completion, error)

	// GenerateStreaming performs a streaming completion. The channel is
	// closed after a ChunkDone or ChunkError chunk.
	GenerateStreaming(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	// Close releases provider resources.
	Close() error
}

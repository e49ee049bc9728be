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

// Package tool defines the interface for tools that agents can invoke,
// the structured error taxonomy tool failures are reported through, and
// a registry for resolving tools by name.
//
// Tool failures are data, not Go errors: a tool that cannot serve a
// request returns a *Result carrying an ErrorKind so the agent loop can
// feed the failure back to the LLM and keep going. A non-nil Go error
// from Invoke means the runtime itself broke (context cancelled,
// programming error) and aborts the surrounding turn.
package tool

import "context"

// ErrorKind classifies a tool failure. The set is wire-stable and shared
// with the event stream's error payloads.
type ErrorKind string

const (
	ErrInvalidArgs         ErrorKind = "invalid_args"
	ErrNotFound            ErrorKind = "not_found"
	ErrPermissionDenied    ErrorKind = "permission_denied"
	ErrUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrTimeout             ErrorKind = "timeout"
	ErrInternal            ErrorKind = "internal"
	ErrCancelled           ErrorKind = "cancelled"
	ErrQuotaExhausted      ErrorKind = "quota_exhausted"
)

// Definition describes a tool for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Invocation carries one tool call from the agent loop to a tool.
// UserID is the authenticated caller; tools MUST scope any data access
// to it and never trust an identity found in Args.
type Invocation struct {
	CallID    string
	UserID    string
	SessionID string
	RunID     string
	AgentID   string
	Args      map[string]any
}

// Result is the outcome of a tool invocation. Content holds the output
// on success; ErrorKind and ErrorMessage describe a structured failure.
type Result struct {
	Content      string
	ErrorKind    ErrorKind
	ErrorMessage string
	Metadata     map[string]any
}

// Failed reports whether the result carries a structured error.
func (r *Result) Failed() bool {
	return r != nil && r.ErrorKind != ""
}

// Text returns a successful result with the given content.
func Text(content string) *Result {
	return &Result{Content: content}
}

// Fail returns a structured failure result.
func Fail(kind ErrorKind, message string) *Result {
	return &Result{ErrorKind: kind, ErrorMessage: message}
}

// Tool is a capability an agent can invoke during its reasoning loop.
type Tool interface {
	// Descriptor returns the definition advertised to the LLM.
	Descriptor() Definition

	// Invoke executes the tool. Structured failures are returned in the
	// Result; a non-nil error aborts the invocation at runtime level.
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)

	// Idempotent reports whether a timed-out invocation may be retried.
	Idempotent() bool
}

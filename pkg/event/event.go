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

// Package event defines the per-run event model and the in-process bus
// that fans events from the leader and all active members into a single
// consumer stream.
//
// Events are strictly ordered per producer via Seq and carry a
// bus-assigned RunSeq that interleaves all producers of a run in
// emission order. Per-producer order is authoritative; RunSeq lets a
// consumer resequence slices that arrive out of order.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of an event. The set is wire-stable.
type Kind string

const (
	KindRunStarted        Kind = "run_started"
	KindRunCompleted      Kind = "run_completed"
	KindRunFailed         Kind = "run_failed"
	KindRunCancelled      Kind = "run_cancelled"
	KindContentDelta      Kind = "content_delta"
	KindToolCallStarted   Kind = "tool_call_started"
	KindToolCallCompleted Kind = "tool_call_completed"
	KindMemberStarted     Kind = "member_started"
	KindMemberCompleted   Kind = "member_completed"
	KindMemberDelegation  Kind = "member_delegation"
	KindReasoningStep     Kind = "reasoning_step"
	KindMetrics           Kind = "metrics"
	KindError             Kind = "error"
)

// Terminal reports whether the kind closes a run stream.
func (k Kind) Terminal() bool {
	switch k {
	case KindRunCompleted, KindRunFailed, KindRunCancelled:
		return true
	}
	return false
}

// Event is a single structured occurrence within a run.
//
// Seq is strictly increasing and gap-free per (RunID, ProducerID).
// RunSeq is strictly increasing across all producers of a run.
type Event struct {
	ID         string `json:"event_id"`
	RunID      string `json:"run_id"`
	ProducerID string `json:"producer_id"`
	Kind       Kind   `json:"kind"`
	Payload    any    `json:"payload,omitempty"`

	Seq    int64     `json:"seq"`
	RunSeq int64     `json:"run_seq"`
	TS     time.Time `json:"ts"`
}

// MarshalPayload returns the payload serialized as JSON for persistence.
func (e *Event) MarshalPayload() ([]byte, error) {
	if e.Payload == nil {
		return nil, nil
	}
	return json.Marshal(e.Payload)
}

// ContentDelta carries an incremental chunk of assistant output.
type ContentDelta struct {
	Text string `json:"text"`
}

// ToolCallStarted announces a tool invocation.
type ToolCallStarted struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
}

// ToolCallCompleted reports the outcome of a tool invocation.
// Exactly one of Result or ErrorKind is meaningful.
type ToolCallCompleted struct {
	ToolName   string `json:"tool_name"`
	Result     string `json:"result,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// MemberStarted announces the start of a delegated member sub-run.
type MemberStarted struct {
	MemberID string `json:"member_id"`
	Task     string `json:"task"`
}

// MemberCompleted reports the terminal state of a member sub-run.
type MemberCompleted struct {
	MemberID  string `json:"member_id"`
	Status    string `json:"status"`
	OutputRef string `json:"output_ref,omitempty"`
}

// MemberDelegation records the leader's directive to a member.
type MemberDelegation struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Task           string `json:"task"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

// ReasoningStep surfaces an intermediate planning step of an agent.
type ReasoningStep struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// Metrics carries token and cost accounting for a completed LLM turn.
type Metrics struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostIn    float64 `json:"cost_in"`
	CostOut   float64 `json:"cost_out"`
}

// Error reports a recoverable or fatal error. Non-fatal errors leave
// the run streaming; a fatal error is followed by a terminal frame.
type Error struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal"`
}

// RunCompleted carries the final assembled output of a run.
type RunCompleted struct {
	Output string `json:"output,omitempty"`
}

// RunFailed carries the failure description of a run.
type RunFailed struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// newID returns a fresh event identifier.
func newID() string {
	return uuid.NewString()
}

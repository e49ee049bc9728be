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

// Package agent implements the core execution unit: context assembly,
// the streaming LLM call and the tool loop with its timeout, retry and
// round-cap policies.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/event"
	"github.com/kadirpekel/tandem/pkg/llm"
	"github.com/kadirpekel/tandem/pkg/observability"
	"github.com/kadirpekel/tandem/pkg/tool"
)

// DefaultMaxToolRounds caps the tool loop.
const DefaultMaxToolRounds = 8

// HistoryEntry is one prior exchange of the session.
type HistoryEntry struct {
	Input  string
	Output string
}

// Input is one execution request for an agent.
type Input struct {
	RunID     string
	SessionID string
	UserID    string

	// Text is the task or user input.
	Text string

	// History is the session's rolling history, oldest first.
	History []HistoryEntry

	// Extra is additional context injected as system messages, such as
	// prior member interactions shared within a team run.
	Extra []string
}

// Outcome is the result of a completed agent execution.
type Outcome struct {
	Output string
	Usage  llm.Usage
	Rounds int
}

// Agent executes one task against an LLM with a bounded tool loop.
type Agent struct {
	id           string
	name         string
	instructions string
	provider     llm.Provider
	tools        *tool.Registry

	maxToolRounds int
	toolTimeout   time.Duration
}

// New builds an agent from its spec. The registry must already be
// restricted to the agent's tools.
func New(spec *config.AgentSpec, provider llm.Provider, tools *tool.Registry, limits config.Limits) *Agent {
	limits.SetDefaults()
	if tools == nil {
		tools = tool.NewRegistry()
	}
	return &Agent{
		id:            spec.ID,
		name:          spec.Name,
		instructions:  spec.Instructions,
		provider:      provider,
		tools:         tools,
		maxToolRounds: limits.MaxToolRounds,
		toolTimeout:   limits.ToolTimeout(),
	}
}

// NewWithPrompt builds an agent directly from a prompt; used by team
// leaders whose instructions are synthesized.
func NewWithPrompt(id, name, instructions string, provider llm.Provider, tools *tool.Registry, limits config.Limits) *Agent {
	limits.SetDefaults()
	if tools == nil {
		tools = tool.NewRegistry()
	}
	return &Agent{
		id:            id,
		name:          name,
		instructions:  instructions,
		provider:      provider,
		tools:         tools,
		maxToolRounds: limits.MaxToolRounds,
		toolTimeout:   limits.ToolTimeout(),
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Name returns the agent display name.
func (a *Agent) Name() string { return a.name }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *tool.Registry { return a.tools }

// assembleMessages builds the provider conversation: instructions,
// rolling history, extra context, then the input.
func (a *Agent) assembleMessages(in *Input) []llm.Message {
	var msgs []llm.Message
	if a.instructions != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.instructions})
	}
	for _, h := range in.History {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: h.Input})
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: h.Output})
	}
	for _, extra := range in.Extra {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: extra})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Text})
	return msgs
}

// Execute runs the agent to completion, emitting events through the
// producer. The returned outcome holds the final assembled output.
func (a *Agent) Execute(ctx context.Context, in *Input, producer *event.Producer) (*Outcome, error) {
	messages := a.assembleMessages(in)
	outcome := &Outcome{}

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, toolCalls, usage, err := a.StreamTurn(ctx, messages, a.tools.Definitions(), producer)
		if err != nil {
			return nil, err
		}
		accumulateUsage(&outcome.Usage, usage)
		emitMetrics(producer, usage)

		if len(toolCalls) == 0 {
			outcome.Output = text
			outcome.Rounds = round
			return outcome, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		})
		results := a.RunToolCalls(ctx, in, toolCalls, producer)
		messages = append(messages, results...)

		if round+1 >= a.maxToolRounds {
			// Cap reached. Surface it and force a final content-only
			// turn; the run still succeeds.
			producer.Emit(event.KindError, &event.Error{
				ErrorKind: "internal",
				Message:   fmt.Sprintf("tool round cap (%d) reached, forcing final answer", a.maxToolRounds),
			})
			messages = append(messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Tool budget exhausted. Answer now using only the information gathered so far.",
			})
			final, _, usage, err := a.StreamTurn(ctx, messages, nil, producer)
			if err != nil {
				return nil, err
			}
			accumulateUsage(&outcome.Usage, usage)
			emitMetrics(producer, usage)
			outcome.Output = final
			outcome.Rounds = round + 1
			return outcome, nil
		}
	}
}

// StreamTurn performs one streaming completion, emitting content deltas
// as they arrive. Tool definitions may be nil to force a content-only
// turn. Exported for the team leader loop, which interleaves turns with
// delegation rounds.
func (a *Agent) StreamTurn(ctx context.Context, messages []llm.Message, defs []tool.Definition, producer *event.Producer) (string, []llm.ToolCall, llm.Usage, error) {
	req := &llm.Request{Messages: messages, Tools: defs}
	stream, err := a.provider.GenerateStreaming(ctx, req)
	if err != nil {
		return "", nil, llm.Usage{}, fmt.Errorf("llm request failed: %w", err)
	}

	var text strings.Builder
	var toolCalls []llm.ToolCall
	var usage llm.Usage

	for chunk := range stream {
		switch chunk.Type {
		case llm.ChunkText:
			text.WriteString(chunk.Text)
			producer.Emit(event.KindContentDelta, &event.ContentDelta{Text: chunk.Text})
		case llm.ChunkToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case llm.ChunkUsage:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		case llm.ChunkError:
			return "", nil, usage, fmt.Errorf("llm stream failed: %w", chunk.Err)
		case llm.ChunkDone:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, usage, err
	}
	return text.String(), toolCalls, usage, nil
}

// RunToolCalls executes all tool calls of one turn. Start events are
// emitted in call order before execution; calls then run concurrently
// and completion events are emitted in call order once all are done.
// Tool failures become structured results, never run failures.
func (a *Agent) RunToolCalls(ctx context.Context, in *Input, calls []llm.ToolCall, producer *event.Producer) []llm.Message {
	for _, call := range calls {
		producer.Emit(event.KindToolCallStarted, &event.ToolCallStarted{
			ToolName: call.Name,
			ToolArgs: call.Args,
		})
	}

	type timedResult struct {
		result   *tool.Result
		duration time.Duration
	}
	results := make([]timedResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i := range calls {
		g.Go(func() error {
			start := time.Now()
			results[i] = timedResult{
				result:   a.invokeTool(gctx, in, &calls[i]),
				duration: time.Since(start),
			}
			return nil
		})
	}
	_ = g.Wait()

	msgs := make([]llm.Message, 0, len(calls))
	for i, call := range calls {
		res := results[i].result

		completed := &event.ToolCallCompleted{
			ToolName:   call.Name,
			DurationMS: results[i].duration.Milliseconds(),
		}
		if res.Failed() {
			completed.ErrorKind = string(res.ErrorKind)
		} else {
			completed.Result = res.Content
		}
		producer.Emit(event.KindToolCallCompleted, completed)

		if warning, ok := res.Metadata["warning"].(string); ok {
			producer.Emit(event.KindError, &event.Error{
				ErrorKind: string(tool.ErrUpstreamUnavailable),
				Message:   warning,
			})
		}

		content := res.Content
		if res.Failed() {
			content = fmt.Sprintf("tool error (%s): %s", res.ErrorKind, res.ErrorMessage)
		}
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
	}
	return msgs
}

// invokeTool resolves and runs one tool call under the per-tool
// timeout. Unknown tools and malformed arguments degrade to
// invalid_args results; a timeout is retried once when the tool
// declares idempotency.
func (a *Agent) invokeTool(ctx context.Context, in *Input, call *llm.ToolCall) *tool.Result {
	ctx, span := observability.GetTracer("tandem/agent").Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("run.id", in.RunID),
		))
	defer span.End()

	t, ok := a.tools.Get(call.Name)
	if !ok {
		return tool.Fail(tool.ErrInvalidArgs, fmt.Sprintf("unknown tool %q", call.Name))
	}

	inv := &tool.Invocation{
		CallID:    call.ID,
		UserID:    in.UserID,
		SessionID: in.SessionID,
		RunID:     in.RunID,
		AgentID:   a.id,
		Args:      call.Args,
	}

	res := a.invokeOnce(ctx, t, inv)
	if res.ErrorKind == tool.ErrTimeout && t.Idempotent() && ctx.Err() == nil {
		res = a.invokeOnce(ctx, t, inv)
	}
	if res.Failed() {
		span.SetAttributes(attribute.String("tool.error_kind", string(res.ErrorKind)))
	}
	return res
}

func (a *Agent) invokeOnce(ctx context.Context, t tool.Tool, inv *tool.Invocation) *tool.Result {
	callCtx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()

	res, err := t.Invoke(callCtx, inv)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return tool.Fail(tool.ErrTimeout, err.Error())
		case errors.Is(err, context.Canceled):
			return tool.Fail(tool.ErrCancelled, err.Error())
		default:
			return tool.Fail(tool.ErrInternal, err.Error())
		}
	}
	if res == nil {
		return tool.Fail(tool.ErrInternal, "tool returned no result")
	}
	return res
}

func accumulateUsage(total *llm.Usage, u llm.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}

func emitMetrics(producer *event.Producer, u llm.Usage) {
	if u.TotalTokens == 0 {
		return
	}
	producer.Emit(event.KindMetrics, &event.Metrics{
		TokensIn:  u.PromptTokens,
		TokensOut: u.CompletionTokens,
	})
}

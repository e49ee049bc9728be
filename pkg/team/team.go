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

// Package team implements the leader: an agent whose prompt describes
// its members and whose synthetic delegation tool fans tasks out to
// them as concurrent sub-runs, driven by an explicit state machine.
package team

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/tandem/pkg/agent"
	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/event"
	"github.com/kadirpekel/tandem/pkg/llm"
	"github.com/kadirpekel/tandem/pkg/observability"
	"github.com/kadirpekel/tandem/pkg/tool"
)

// DefaultMaxDelegationRounds caps delegation rounds per run.
const DefaultMaxDelegationRounds = 4

// Member describes one delegable member to the leader.
type Member struct {
	ID          string
	Name        string
	Description string
	ToolNames   []string
}

// MemberOutcome is the result of one member sub-run.
type MemberOutcome struct {
	MemberID string `json:"member_id"`
	RunID    string `json:"run_id,omitempty"`
	Output   string `json:"output"`
	Status   string `json:"status"`
}

// RunMemberFunc starts a member sub-run and blocks until it reaches a
// terminal state. Implemented by the run coordinator.
type RunMemberFunc func(ctx context.Context, memberID string, in *agent.Input) (*MemberOutcome, error)

// Team is a leader over a set of members.
type Team struct {
	spec      *config.TeamSpec
	leader    *agent.Agent
	members   []Member
	byID      map[string]Member
	runMember RunMemberFunc
	maxRounds int
}

// New builds a team. leaderTools holds the leader's ordinary tools; the
// synthetic delegation tools are injected per turn.
func New(spec *config.TeamSpec, provider llm.Provider, leaderTools *tool.Registry, members []Member, runMember RunMemberFunc, limits config.Limits) *Team {
	limits.SetDefaults()
	t := &Team{
		spec:      spec,
		members:   members,
		byID:      make(map[string]Member, len(members)),
		runMember: runMember,
		maxRounds: limits.DelegationRounds(),
	}
	for _, m := range members {
		t.byID[m.ID] = m
	}
	t.leader = agent.NewWithPrompt(spec.ID, spec.Name, t.leaderPrompt(), provider, leaderTools, limits)
	return t
}

// SetMaxRounds overrides the delegation round cap. Zero disables
// delegation entirely.
func (t *Team) SetMaxRounds(n int) {
	t.maxRounds = n
}

// ID returns the team identifier.
func (t *Team) ID() string { return t.spec.ID }

func (t *Team) leaderPrompt() string {
	var b strings.Builder
	if t.spec.Instructions != "" {
		b.WriteString(t.spec.Instructions)
		b.WriteString("\n\n")
	}
	b.WriteString("You lead a team. Delegate tasks to members with the ")
	b.WriteString(DelegateToolName)
	b.WriteString(" tool, or answer directly when no member is needed.\n\nTeam members:\n")
	for _, m := range t.members {
		fmt.Fprintf(&b, "- %s (%s)", m.ID, m.Name)
		if m.Description != "" {
			fmt.Fprintf(&b, ": %s", m.Description)
		}
		if t.spec.AddMemberToolsToContext && len(m.ToolNames) > 0 {
			fmt.Fprintf(&b, " [tools: %s]", strings.Join(m.ToolNames, ", "))
		}
		b.WriteString("\n")
	}
	if t.spec.DelegateToAllMembers {
		b.WriteString("\nEvery delegation is sent to all members; issue one delegation with the shared task.")
	}
	return b.String()
}

// delegation is one resolved member invocation of a round.
type delegation struct {
	callID   string
	memberID string
	task     string
	expected string
	// synthetic marks delegations added by delegate_to_all expansion;
	// their results ride on the expanding call's tool response.
	synthetic bool
}

// Execute runs the team to completion.
func (t *Team) Execute(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
	sm := newMachine()
	stepIndex := 0
	advance := func(next State) {
		if err := sm.to(next); err != nil {
			// Transition table bug; surface loudly in the stream.
			producer.Emit(event.KindError, &event.Error{
				ErrorKind: string(tool.ErrInternal),
				Message:   err.Error(),
			})
			return
		}
		stepIndex++
		producer.Emit(event.KindReasoningStep, &event.ReasoningStep{
			Index: stepIndex,
			Title: string(next),
		})
	}
	advance(StatePlanning)

	messages := t.assembleLeaderMessages(in)
	outcome := &agent.Outcome{}
	rounds := 0
	forceSynthesize := false
	var interactions []string

	for {
		if err := ctx.Err(); err != nil {
			advance(StateCancelled)
			return nil, err
		}

		defs := t.turnTools(forceSynthesize)
		text, calls, usage, err := t.leader.StreamTurn(ctx, messages, defs, producer)
		if err != nil {
			if ctx.Err() != nil {
				advance(StateCancelled)
			} else {
				advance(StateFailed)
			}
			return nil, err
		}
		outcome.Usage.PromptTokens += usage.PromptTokens
		outcome.Usage.CompletionTokens += usage.CompletionTokens
		outcome.Usage.TotalTokens += usage.TotalTokens

		delegCalls, stopCalls, otherCalls := partitionCalls(calls)

		if len(calls) == 0 {
			// Final content.
			switch sm.current() {
			case StateCollecting:
				advance(StateSynthesizing)
				advance(StateDone)
			case StateSynthesizing, StatePlanning:
				advance(StateDone)
			default:
				advance(StateDone)
			}
			outcome.Output = text
			outcome.Rounds = rounds
			return outcome, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})

		if len(otherCalls) > 0 {
			messages = append(messages, t.leader.RunToolCalls(ctx, in, otherCalls, producer)...)
		}

		for _, stop := range stopCalls {
			producer.Emit(event.KindToolCallStarted, &event.ToolCallStarted{ToolName: StopToolName})
			producer.Emit(event.KindToolCallCompleted, &event.ToolCallCompleted{
				ToolName: StopToolName,
				Result:   "acknowledged",
			})
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    "Delegation phase ended. Produce your final answer.",
				ToolCallID: stop.ID,
			})
			forceSynthesize = true
		}
		if forceSynthesize && sm.current() == StateCollecting {
			advance(StateSynthesizing)
		}

		if len(delegCalls) == 0 {
			continue
		}

		if rounds >= t.maxRounds {
			producer.Emit(event.KindError, &event.Error{
				ErrorKind: string(tool.ErrQuotaExhausted),
				Message:   fmt.Sprintf("delegation round cap (%d) reached", t.maxRounds),
			})
			for _, call := range delegCalls {
				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					Content:    "Delegation budget exhausted. Answer with what you have.",
					ToolCallID: call.ID,
				})
			}
			if sm.current() == StateCollecting {
				advance(StateSynthesizing)
			}
			forceSynthesize = true
			continue
		}

		delegations, errMsgs := t.resolveDelegations(in, delegCalls, producer)
		messages = append(messages, errMsgs...)
		if len(delegations) == 0 {
			continue
		}
		rounds++

		advance(StateDelegating)
		resultMsgs, outputs, err := t.runRound(ctx, in, delegations, interactions, producer)
		if err != nil {
			if ctx.Err() != nil {
				advance(StateCancelled)
			} else {
				advance(StateFailed)
			}
			return nil, err
		}
		advance(StateCollecting)
		messages = append(messages, resultMsgs...)

		if t.spec.ShareMemberInteractions {
			for _, d := range delegations {
				for _, out := range outputs {
					if out.MemberID == d.memberID {
						interactions = append(interactions,
							fmt.Sprintf("Member %s was asked: %s\nMember %s answered: %s",
								d.memberID, d.task, d.memberID, out.Output))
						break
					}
				}
			}
		}

		if t.spec.RespondDirectly {
			// Member output is the run output, no synthesis turn.
			final := make([]string, 0, len(outputs))
			for _, out := range outputs {
				if out.Status == "succeeded" {
					final = append(final, out.Output)
				}
			}
			if len(final) > 0 {
				advance(StateDone)
				outcome.Output = strings.Join(final, "\n\n")
				outcome.Rounds = rounds
				return outcome, nil
			}
			// Every member failed; fall through and let the leader react.
		}
	}
}

func (t *Team) assembleLeaderMessages(in *agent.Input) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: t.leaderPrompt()}}
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

// turnTools returns the tool definitions for the next leader turn. A
// synthesizing turn is content-only.
func (t *Team) turnTools(synthesizing bool) []tool.Definition {
	if synthesizing {
		return nil
	}
	defs := t.leader.Tools().Definitions()
	defs = append(defs, delegateDefinition())
	if !t.spec.DelegateToAllMembers {
		defs = append(defs, stopDefinition())
	}
	return defs
}

func partitionCalls(calls []llm.ToolCall) (deleg, stop, other []llm.ToolCall) {
	for _, c := range calls {
		switch c.Name {
		case DelegateToolName:
			deleg = append(deleg, c)
		case StopToolName:
			stop = append(stop, c)
		default:
			other = append(other, c)
		}
	}
	return deleg, stop, other
}

// resolveDelegations validates delegation calls and applies the
// delegate_to_all expansion. Invalid calls produce tool error messages
// so the leader can retry.
func (t *Team) resolveDelegations(in *agent.Input, calls []llm.ToolCall, producer *event.Producer) ([]delegation, []llm.Message) {
	var resolved []delegation
	var errMsgs []llm.Message

	reject := func(call llm.ToolCall, kind tool.ErrorKind, msg string) {
		producer.Emit(event.KindToolCallStarted, &event.ToolCallStarted{
			ToolName: call.Name, ToolArgs: call.Args,
		})
		producer.Emit(event.KindToolCallCompleted, &event.ToolCallCompleted{
			ToolName: call.Name, ErrorKind: string(kind),
		})
		errMsgs = append(errMsgs, llm.Message{
			Role:       llm.RoleTool,
			Content:    fmt.Sprintf("tool error (%s): %s", kind, msg),
			ToolCallID: call.ID,
		})
	}

	for _, call := range calls {
		args, err := tool.DecodeArgs[DelegateArgs](call.Args)
		if err != nil {
			reject(call, tool.ErrInvalidArgs, err.Error())
			continue
		}
		if _, ok := t.byID[args.MemberID]; !ok && !t.spec.DelegateToAllMembers {
			reject(call, tool.ErrInvalidArgs, fmt.Sprintf("unknown member %q", args.MemberID))
			continue
		}

		task := args.TaskDescription
		if !t.spec.DetermineInput() {
			task = in.Text
		}
		resolved = append(resolved, delegation{
			callID:   call.ID,
			memberID: args.MemberID,
			task:     task,
			expected: args.ExpectedOutput,
		})
	}

	if t.spec.DelegateToAllMembers && len(resolved) > 0 {
		resolved = t.expandToAll(resolved)
	} else {
		// Dedup by member within the round; first call wins.
		seen := make(map[string]bool, len(resolved))
		kept := resolved[:0]
		for _, d := range resolved {
			if seen[d.memberID] {
				continue
			}
			seen[d.memberID] = true
			kept = append(kept, d)
		}
		resolved = kept
	}
	return resolved, errMsgs
}

// expandToAll turns the round into one delegation per member with the
// first call's task, merging any explicit extra calls by member.
func (t *Team) expandToAll(resolved []delegation) []delegation {
	primary := resolved[0]
	byMember := make(map[string]delegation, len(t.members))
	for _, d := range resolved {
		if _, ok := t.byID[d.memberID]; !ok {
			continue
		}
		if _, dup := byMember[d.memberID]; !dup {
			byMember[d.memberID] = d
		}
	}
	out := make([]delegation, 0, len(t.members))
	for _, m := range t.members {
		if d, ok := byMember[m.ID]; ok {
			out = append(out, d)
			continue
		}
		out = append(out, delegation{
			callID:    primary.callID,
			memberID:  m.ID,
			task:      primary.task,
			expected:  primary.expected,
			synthetic: true,
		})
	}
	return out
}

// runRound executes one delegation round: all members concurrently,
// start events before, completion events after, in delegation order. A
// member's terminal event is always observed before the leader's
// tool_call_completed for that delegation.
func (t *Team) runRound(ctx context.Context, in *agent.Input, delegations []delegation, interactions []string, producer *event.Producer) ([]llm.Message, []*MemberOutcome, error) {
	ctx, span := observability.GetTracer("tandem/team").Start(ctx, "team.delegation_round",
		trace.WithAttributes(
			attribute.String("team.id", t.spec.ID),
			attribute.String("run.id", in.RunID),
			attribute.Int("team.delegations", len(delegations)),
		))
	defer span.End()

	for _, d := range delegations {
		producer.Emit(event.KindMemberDelegation, &event.MemberDelegation{
			From:           t.spec.ID,
			To:             d.memberID,
			Task:           d.task,
			ExpectedOutput: d.expected,
		})
		if !d.synthetic {
			producer.Emit(event.KindToolCallStarted, &event.ToolCallStarted{
				ToolName: DelegateToolName,
				ToolArgs: map[string]any{"member_id": d.memberID, "task_description": d.task},
			})
		}
		producer.Emit(event.KindMemberStarted, &event.MemberStarted{
			MemberID: d.memberID,
			Task:     d.task,
		})
	}

	outcomes := make([]*MemberOutcome, len(delegations))
	g, gctx := errgroup.WithContext(ctx)
	for i := range delegations {
		d := delegations[i]
		g.Go(func() error {
			memberIn := &agent.Input{
				RunID:     in.RunID,
				SessionID: in.SessionID,
				UserID:    in.UserID,
				Text:      t.memberTask(d),
				Extra:     append([]string(nil), interactions...),
			}
			if t.spec.AddTeamHistoryToMembers {
				memberIn.History = in.History
			}
			out, err := t.runMember(gctx, d.memberID, memberIn)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				out = &MemberOutcome{MemberID: d.memberID, Status: "failed", Output: err.Error()}
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var msgs []llm.Message
	var collected []*MemberOutcome
	aggregated := make(map[string][]*MemberOutcome)

	for i, d := range delegations {
		out := outcomes[i]
		collected = append(collected, out)
		producer.Emit(event.KindMemberCompleted, &event.MemberCompleted{
			MemberID:  out.MemberID,
			Status:    out.Status,
			OutputRef: out.RunID,
		})
		aggregated[d.callID] = append(aggregated[d.callID], out)
	}

	// One tool response per originating call; expanded members ride on
	// the expanding call's response.
	seen := make(map[string]bool)
	for _, d := range delegations {
		if seen[d.callID] {
			continue
		}
		seen[d.callID] = true
		group := aggregated[d.callID]

		var payload []byte
		if len(group) == 1 {
			payload, _ = json.Marshal(group[0])
		} else {
			payload, _ = json.Marshal(group)
		}
		producer.Emit(event.KindToolCallCompleted, &event.ToolCallCompleted{
			ToolName: DelegateToolName,
			Result:   string(payload),
		})
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			Content:    string(payload),
			ToolCallID: d.callID,
		})
	}
	return msgs, collected, nil
}

// memberTask builds the member's input text, appending the expected
// output when the leader provided one.
func (t *Team) memberTask(d delegation) string {
	if d.expected == "" {
		return d.task
	}
	return fmt.Sprintf("%s\n\nExpected output: %s", d.task, d.expected)
}

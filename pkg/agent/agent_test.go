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

package agent

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/event"
	"github.com/kadirpekel/tandem/pkg/llm"
	"github.com/kadirpekel/tandem/pkg/testutils"
	"github.com/kadirpekel/tandem/pkg/tool"
)

// echoTool records invocations and echoes its "text" argument.
type echoTool struct {
	calls atomic.Int64
	fail  *tool.Result
	errs  []error // consumed per call before succeeding
}

func (t *echoTool) Descriptor() tool.Definition {
	return tool.Definition{Name: "echo", Description: "echoes input"}
}

func (t *echoTool) Idempotent() bool { return true }

func (t *echoTool) Invoke(ctx context.Context, inv *tool.Invocation) (*tool.Result, error) {
	n := t.calls.Add(1)
	if int(n) <= len(t.errs) {
		return nil, t.errs[n-1]
	}
	if t.fail != nil {
		return t.fail, nil
	}
	text, _ := inv.Args["text"].(string)
	return tool.Text("echo: " + text), nil
}

func newTestAgent(t *testing.T, provider llm.Provider, tools *tool.Registry, limits config.Limits) *Agent {
	t.Helper()
	return New(&config.AgentSpec{ID: "helper", Name: "helper", Instructions: "Be helpful."},
		provider, tools, limits)
}

func drainEvents(bus *event.Bus) []*event.Event {
	var out []*event.Event
	for {
		select {
		case e := <-bus.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(events []*event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestExecuteDirectAnswer(t *testing.T) {
	provider := testutils.NewScriptedLLM(testutils.TextTurn("All done."))
	a := newTestAgent(t, provider, nil, config.Limits{})

	bus := event.NewBus("r1", 256)
	out, err := a.Execute(context.Background(), &Input{RunID: "r1", UserID: "u", Text: "hi"}, bus.Producer("helper"))
	require.NoError(t, err)
	assert.Equal(t, "All done.", out.Output)
	assert.Zero(t, out.Rounds)
	assert.Equal(t, 15, out.Usage.TotalTokens)

	events := drainEvents(bus)
	require.NotEmpty(t, events)
	assert.Contains(t, kinds(events), event.KindContentDelta)
	assert.Contains(t, kinds(events), event.KindMetrics)
}

func TestExecuteToolLoop(t *testing.T) {
	reg := tool.NewRegistry()
	echo := &echoTool{}
	require.NoError(t, reg.Register(echo))

	provider := testutils.NewScriptedLLM(
		testutils.ToolTurn(llm.ToolCall{ID: "c1", Name: "echo", Args: map[string]any{"text": "ping"}}),
		testutils.TextTurn("The tool said ping."),
	)
	a := newTestAgent(t, provider, reg, config.Limits{})

	bus := event.NewBus("r1", 256)
	out, err := a.Execute(context.Background(), &Input{RunID: "r1", UserID: "u", Text: "use the tool"}, bus.Producer("helper"))
	require.NoError(t, err)
	assert.Equal(t, "The tool said ping.", out.Output)
	assert.Equal(t, int64(1), echo.calls.Load())

	// The tool result must be fed back as a tool-role message.
	second := provider.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "echo: ping", last.Content)
	assert.Equal(t, "c1", last.ToolCallID)

	events := drainEvents(bus)
	var started, completed int
	for _, e := range events {
		switch e.Kind {
		case event.KindToolCallStarted:
			started++
		case event.KindToolCallCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
}

func TestExecuteUnknownToolContinues(t *testing.T) {
	provider := testutils.NewScriptedLLM(
		testutils.ToolTurn(llm.ToolCall{ID: "c1", Name: "no_such_tool", Args: map[string]any{}}),
		testutils.TextTurn("Recovered."),
	)
	a := newTestAgent(t, provider, nil, config.Limits{})

	bus := event.NewBus("r1", 256)
	out, err := a.Execute(context.Background(), &Input{RunID: "r1", UserID: "u", Text: "go"}, bus.Producer("helper"))
	require.NoError(t, err, "unknown tool must not fail the run")
	assert.Equal(t, "Recovered.", out.Output)

	second := provider.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, "invalid_args")

	var sawInvalidArgs bool
	for _, e := range drainEvents(bus) {
		if p, ok := e.Payload.(*event.ToolCallCompleted); ok && p.ErrorKind == string(tool.ErrInvalidArgs) {
			sawInvalidArgs = true
		}
	}
	assert.True(t, sawInvalidArgs)
}

func TestExecuteRoundCapForcesFinalAnswer(t *testing.T) {
	reg := tool.NewRegistry()
	echo := &echoTool{}
	require.NoError(t, reg.Register(echo))

	provider := testutils.NewScriptedLLM(
		testutils.ToolTurn(llm.ToolCall{ID: "c1", Name: "echo", Args: map[string]any{"text": "once"}}),
		testutils.TextTurn("Final answer from gathered info."),
	)
	a := newTestAgent(t, provider, reg, config.Limits{MaxToolRounds: 1})

	bus := event.NewBus("r1", 256)
	out, err := a.Execute(context.Background(), &Input{RunID: "r1", UserID: "u", Text: "go"}, bus.Producer("helper"))
	require.NoError(t, err, "hitting the cap still succeeds")
	assert.Equal(t, "Final answer from gathered info.", out.Output)
	assert.Equal(t, 1, out.Rounds)

	// The tool of the final allowed round does execute.
	assert.Equal(t, int64(1), echo.calls.Load())

	// The forced turn offers no tools.
	final := provider.Requests[1]
	assert.Empty(t, final.Tools)

	var sawCap bool
	for _, e := range drainEvents(bus) {
		if p, ok := e.Payload.(*event.Error); ok && p.ErrorKind == "internal" {
			sawCap = true
			assert.Contains(t, p.Message, "tool round cap")
		}
	}
	assert.True(t, sawCap, "round cap must surface as an internal error event")
}

func TestExecuteTimeoutRetriedOnce(t *testing.T) {
	reg := tool.NewRegistry()
	echo := &echoTool{errs: []error{context.DeadlineExceeded}}
	require.NoError(t, reg.Register(echo))

	provider := testutils.NewScriptedLLM(
		testutils.ToolTurn(llm.ToolCall{ID: "c1", Name: "echo", Args: map[string]any{"text": "retry"}}),
		testutils.TextTurn("Worked on retry."),
	)
	a := newTestAgent(t, provider, reg, config.Limits{})

	bus := event.NewBus("r1", 256)
	out, err := a.Execute(context.Background(), &Input{RunID: "r1", UserID: "u", Text: "go"}, bus.Producer("helper"))
	require.NoError(t, err)
	assert.Equal(t, "Worked on retry.", out.Output)
	assert.Equal(t, int64(2), echo.calls.Load(), "timed-out idempotent tool is retried once")

	second := provider.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "echo: retry", last.Content)
}

func TestExecuteConcurrentCallsOrderedEvents(t *testing.T) {
	reg := tool.NewRegistry()
	echo := &echoTool{}
	require.NoError(t, reg.Register(echo))

	provider := testutils.NewScriptedLLM(
		testutils.ToolTurn(
			llm.ToolCall{ID: "c1", Name: "echo", Args: map[string]any{"text": "one"}},
			llm.ToolCall{ID: "c2", Name: "echo", Args: map[string]any{"text": "two"}},
		),
		testutils.TextTurn("Both ran."),
	)
	a := newTestAgent(t, provider, reg, config.Limits{})

	bus := event.NewBus("r1", 256)
	_, err := a.Execute(context.Background(), &Input{RunID: "r1", UserID: "u", Text: "go"}, bus.Producer("helper"))
	require.NoError(t, err)

	// Start events come in call order before any completion, completion
	// events in call order after all calls finished.
	var sequence []string
	for _, e := range drainEvents(bus) {
		switch e.Payload.(type) {
		case *event.ToolCallStarted:
			sequence = append(sequence, "start")
		case *event.ToolCallCompleted:
			sequence = append(sequence, "done")
		}
	}
	assert.Equal(t, []string{"start", "start", "done", "done"}, sequence)
}

func TestAssembleMessagesIncludesHistoryAndExtra(t *testing.T) {
	provider := testutils.NewScriptedLLM(testutils.TextTurn("ok"))
	a := newTestAgent(t, provider, nil, config.Limits{})

	bus := event.NewBus("r1", 256)
	_, err := a.Execute(context.Background(), &Input{
		RunID:   "r1",
		UserID:  "u",
		Text:    "now",
		History: []HistoryEntry{{Input: "before", Output: "answer"}},
		Extra:   []string{"shared context"},
	}, bus.Producer("helper"))
	require.NoError(t, err)

	msgs := provider.Requests[0].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "Be helpful.", msgs[0].Content)
	assert.Equal(t, "before", msgs[1].Content)
	assert.Equal(t, "answer", msgs[2].Content)
	assert.Equal(t, "shared context", msgs[3].Content)
	assert.Equal(t, "now", msgs[4].Content)
}

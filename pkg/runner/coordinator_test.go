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

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kadirpekel/tandem/pkg/agent"
	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/event"
	"github.com/kadirpekel/tandem/pkg/session"
	"github.com/kadirpekel/tandem/pkg/store"
	"github.com/kadirpekel/tandem/pkg/testutils"
)

// scriptedRunnable lets a test stand in for an agent or team.
type scriptedRunnable struct {
	id string
	fn func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error)
}

func (r *scriptedRunnable) ID() string { return r.id }

func (r *scriptedRunnable) Execute(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
	return r.fn(ctx, in, producer)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore) {
	t.Helper()
	records := store.NewMemoryStore()
	return NewCoordinator(records, session.NewManager(records), nil, config.Limits{}), records
}

func registerScriptedAgent(t *testing.T, c *Coordinator, id, answer string) {
	t.Helper()
	provider := testutils.NewScriptedLLM(testutils.TextTurn(answer))
	c.Register(&Entry{Runnable: agent.New(&config.AgentSpec{ID: id, Name: id, Instructions: "Be brief."},
		provider, nil, config.Limits{})})
}

// collect drains a handle's stream to completion.
func collect(t *testing.T, h *Handle) []*event.Event {
	t.Helper()
	var out []*event.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-h.Events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatal("run did not finish in time")
		}
	}
}

func TestStartHappyPath(t *testing.T) {
	ctx := context.Background()
	c, records := newTestCoordinator(t)
	registerScriptedAgent(t, c, "helper", "All set.")

	h, err := c.Start(ctx, "alice", "", "hello", "helper")
	require.NoError(t, err)
	require.NotEmpty(t, h.RunID)
	require.NotEmpty(t, h.SessionID)

	events := collect(t, h)
	require.NotEmpty(t, events)
	assert.Equal(t, event.KindRunStarted, events[0].Kind)

	last := events[len(events)-1]
	require.Equal(t, event.KindRunCompleted, last.Kind)
	assert.Equal(t, "All set.", last.Payload.(*event.RunCompleted).Output)

	// The terminal status is flushed before the terminal event is seen.
	run, err := records.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Equal(t, "All set.", run.Output)
	require.NotNil(t, run.CompletedAt)

	// The exchange is persisted with run-derived message IDs.
	msgs, err := records.ListMessages(ctx, h.RunID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, h.RunID+"/user", msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, h.RunID+"/assistant", msgs[1].ID)
	assert.Equal(t, "All set.", msgs[1].Content)

	// Every streamed event reached the store before the channel closed.
	persisted, err := records.ListEvents(ctx, h.RunID)
	require.NoError(t, err)
	require.Len(t, persisted, len(events))
	for i, rec := range persisted {
		assert.Equal(t, events[i].RunSeq, rec.RunSeq)
		assert.Equal(t, string(events[i].Kind), rec.Kind)
		assert.Equal(t, "alice", rec.UserID)
	}
}

func TestRunLifecycleEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	defer otel.SetTracerProvider(prev)

	c, _ := newTestCoordinator(t)
	registerScriptedAgent(t, c, "helper", "All set.")

	h, err := c.Start(context.Background(), "alice", "", "hello", "helper")
	require.NoError(t, err)
	collect(t, h)

	// run.execute ends after the stream closes, on its own goroutine.
	require.Eventually(t, func() bool {
		names := make(map[string]bool)
		for _, s := range recorder.Ended() {
			names[s.Name()] = true
		}
		return names["run.start"] && names["run.execute"]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartUnknownSpec(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "alice", "", "hello", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nobody")
}

func TestStartReusesSession(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerScriptedAgent(t, c, "helper", "one")

	h1, err := c.Start(ctx, "alice", "", "first", "helper")
	require.NoError(t, err)
	collect(t, h1)

	registerScriptedAgent(t, c, "helper", "two")
	h2, err := c.Start(ctx, "alice", h1.SessionID, "second", "helper")
	require.NoError(t, err)
	collect(t, h2)

	assert.Equal(t, h1.SessionID, h2.SessionID)
	assert.NotEqual(t, h1.RunID, h2.RunID)
}

func TestCancelTerminatesRun(t *testing.T) {
	ctx := context.Background()
	c, records := newTestCoordinator(t)

	started := make(chan struct{})
	c.Register(&Entry{Runnable: &scriptedRunnable{id: "blocker",
		fn: func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}}})

	h, err := c.Start(ctx, "alice", "", "hang forever", "blocker")
	require.NoError(t, err)

	<-started
	h.Cancel()

	events := collect(t, h)
	require.NotEmpty(t, events)
	assert.Equal(t, event.KindRunCancelled, events[len(events)-1].Kind)

	run, err := records.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	assert.Equal(t, "cancelled", run.ErrorKind)
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	c.Register(&Entry{Runnable: &scriptedRunnable{id: "blocker",
		fn: func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}})

	h, err := c.Start(ctx, "alice", "", "hang", "blocker")
	require.NoError(t, err)

	h.Cancel()
	h.Cancel()
	collect(t, h)

	// Cancelling a finished run is a no-op.
	c.Cancel(h.RunID)
}

func TestRunMemberChildFinishesBeforeParent(t *testing.T) {
	ctx := context.Background()
	c, records := newTestCoordinator(t)
	registerScriptedAgent(t, c, "researcher", "Facts gathered.")

	var subRunID string
	c.Register(&Entry{Runnable: &scriptedRunnable{id: "lead",
		fn: func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
			res, err := c.RunMember(ctx, "researcher", in)
			if err != nil {
				return nil, err
			}
			subRunID = res.RunID
			return &agent.Outcome{Output: "Summary: " + res.Output}, nil
		}}})

	h, err := c.Start(ctx, "alice", "", "research this", "lead")
	require.NoError(t, err)
	events := collect(t, h)

	require.NotEmpty(t, subRunID)
	childDone, parentDone := -1, -1
	for i, e := range events {
		if e.Kind == event.KindRunCompleted {
			if e.ProducerID == "lead" {
				parentDone = i
			} else {
				childDone = i
			}
		}
	}
	require.GreaterOrEqual(t, childDone, 0, "child terminal event must be streamed")
	require.GreaterOrEqual(t, parentDone, 0)
	assert.Less(t, childDone, parentDone, "child run completes before its parent")

	sub, err := records.GetRun(ctx, subRunID)
	require.NoError(t, err)
	assert.Equal(t, h.RunID, sub.ParentRunID)
	assert.Equal(t, store.RunSucceeded, sub.Status)
	assert.Equal(t, "Facts gathered.", sub.Output)

	// The delegation is archived as a message row under the parent run.
	msgs, err := records.ListMessages(ctx, h.RunID)
	require.NoError(t, err)
	var delegations int
	for _, m := range msgs {
		if m.Role == "delegation" {
			delegations++
			assert.Equal(t, subRunID+"/delegation", m.ID)
			assert.Equal(t, "researcher", m.AgentID)
		}
	}
	assert.Equal(t, 1, delegations)
}

func TestCancelMidDelegation(t *testing.T) {
	ctx := context.Background()
	c, records := newTestCoordinator(t)

	memberStarted := make(chan struct{})
	c.Register(&Entry{Runnable: &scriptedRunnable{id: "slow",
		fn: func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
			close(memberStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		}}})
	c.Register(&Entry{Runnable: &scriptedRunnable{id: "lead",
		fn: func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
			_, err := c.RunMember(ctx, "slow", in)
			return nil, err
		}}})

	h, err := c.Start(ctx, "alice", "", "go", "lead")
	require.NoError(t, err)
	<-memberStarted
	h.Cancel()

	events := collect(t, h)
	require.NotEmpty(t, events)
	assert.Equal(t, event.KindRunCancelled, events[len(events)-1].Kind)

	run, err := records.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
}

func TestRunMemberUnknownMember(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.RunMember(context.Background(), "ghost", &agent.Input{RunID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRunMemberFailureIsReported(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	c.Register(&Entry{Runnable: &scriptedRunnable{id: "flaky",
		fn: func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
			return nil, assert.AnError
		}}})

	var result string
	c.Register(&Entry{Runnable: &scriptedRunnable{id: "lead",
		fn: func(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error) {
			res, err := c.RunMember(ctx, "flaky", in)
			if err != nil {
				return nil, err
			}
			result = res.Status
			return &agent.Outcome{Output: "carried on"}, nil
		}}})

	h, err := c.Start(ctx, "alice", "", "go", "lead")
	require.NoError(t, err)
	events := collect(t, h)

	// A failed member does not fail the parent run.
	assert.Equal(t, "failed", result)
	assert.Equal(t, event.KindRunCompleted, events[len(events)-1].Kind)
}

func TestReplayScopedToOwner(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	registerScriptedAgent(t, c, "helper", "done")

	h, err := c.Start(ctx, "alice", "", "hello", "helper")
	require.NoError(t, err)
	streamed := collect(t, h)

	replayed, err := c.Replay(ctx, "alice", h.RunID)
	require.NoError(t, err)
	assert.Len(t, replayed, len(streamed))

	_, err = c.Replay(ctx, "mallory", h.RunID)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)

	_, err = c.Replay(ctx, "alice", "no-such-run")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecoverMarksInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	c, records := newTestCoordinator(t)

	require.NoError(t, records.CreateRun(ctx, &store.Run{
		ID:        "stale",
		SessionID: "s1",
		UserID:    "alice",
		AgentID:   "helper",
		Status:    store.RunStreaming,
		CreatedAt: time.Now().UTC(),
	}))

	n, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := records.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, "internal", run.ErrorKind)

	// A second pass finds nothing left to mark.
	n, err = c.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

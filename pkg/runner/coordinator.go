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

// Package runner owns the run lifecycle: record creation, the event
// pump with batched at-least-once persistence, member sub-runs,
// cooperative cancellation with a bounded grace period, timeouts and
// startup recovery.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/tandem/pkg/agent"
	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/event"
	"github.com/kadirpekel/tandem/pkg/memory"
	"github.com/kadirpekel/tandem/pkg/observability"
	"github.com/kadirpekel/tandem/pkg/session"
	"github.com/kadirpekel/tandem/pkg/store"
	"github.com/kadirpekel/tandem/pkg/team"
)

const (
	// DefaultCancelGrace bounds how long a cancelled run may take to
	// wind down before its producers are dropped.
	DefaultCancelGrace = 5 * time.Second

	flushBatchSize = 32
	flushInterval  = 200 * time.Millisecond
)

// Runnable executes one task, emitting events through the producer.
// Satisfied by *agent.Agent and *team.Team.
type Runnable interface {
	ID() string
	Execute(ctx context.Context, in *agent.Input, producer *event.Producer) (*agent.Outcome, error)
}

// Entry is a registered runnable with its runtime options.
type Entry struct {
	Runnable       Runnable
	Memory         bool
	NumHistoryRuns int
}

// Handle is the caller's view of a started run.
type Handle struct {
	RunID     string
	SessionID string

	// Events delivers the run's event stream. The channel closes after
	// the terminal event.
	Events <-chan *event.Event

	cancel context.CancelFunc
}

// Cancel requests cooperative cancellation.
func (h *Handle) Cancel() {
	h.cancel()
}

type activeRun struct {
	run    *store.Run
	bus    *event.Bus
	cancel context.CancelFunc

	terminal  sync.Once
	finished  chan struct{}
	cancelled chan struct{}
	cancelReq sync.Once
}

// Coordinator starts, supervises and persists runs.
type Coordinator struct {
	records     store.RecordStore
	sessions    *session.Manager
	memories    *memory.Service
	limits      config.Limits
	cancelGrace time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	active  map[string]*activeRun
}

// NewCoordinator creates a coordinator. The memory service may be nil.
func NewCoordinator(records store.RecordStore, sessions *session.Manager, memories *memory.Service, limits config.Limits) *Coordinator {
	limits.SetDefaults()
	return &Coordinator{
		records:     records,
		sessions:    sessions,
		memories:    memories,
		limits:      limits,
		cancelGrace: DefaultCancelGrace,
		entries:     make(map[string]*Entry),
		active:      make(map[string]*activeRun),
	}
}

// Register makes a runnable startable by ID.
func (c *Coordinator) Register(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Runnable.ID()] = entry
}

// Entry returns a registered entry.
func (c *Coordinator) Entry(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// Recover marks runs left non-terminal by a crash as failed. Called
// once at startup before serving.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	n, err := c.records.MarkInterruptedRuns(ctx, "internal", "interrupted by restart")
	if err != nil {
		return 0, fmt.Errorf("startup recovery failed: %w", err)
	}
	if n > 0 {
		slog.Info("Recovered interrupted runs", "count", n)
	}
	return n, nil
}

// Start begins a run for the given spec and returns its handle. The
// run record is created synchronously; execution proceeds in the
// background.
func (c *Coordinator) Start(ctx context.Context, userID, sessionID, input, specID string) (*Handle, error) {
	entry, ok := c.Entry(specID)
	if !ok {
		return nil, fmt.Errorf("unknown agent or team %q", specID)
	}

	ctx, span := observability.GetTracer("tandem/runner").Start(ctx, "run.start",
		trace.WithAttributes(attribute.String("spec.id", specID)))
	defer span.End()

	sess, err := c.sessions.GetOrCreate(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		UserID:    userID,
		AgentID:   specID,
		Status:    store.RunPending,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.records.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	// The run outlives the request, but its spans stay on the trace
	// the request started.
	base := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	runCtx, cancel := context.WithTimeout(base, c.limits.RunTimeout())
	bus := event.NewBus(run.ID, 0)
	out := make(chan *event.Event, flushBatchSize)

	ar := &activeRun{
		run:       run,
		bus:       bus,
		cancel:    cancel,
		finished:  make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	c.mu.Lock()
	c.active[run.ID] = ar
	c.mu.Unlock()

	go c.pump(run.ID, run.UserID, specID, bus, out)
	go c.execute(runCtx, ar, entry, input)

	return &Handle{
		RunID:     run.ID,
		SessionID: sess.ID,
		Events:    out,
		cancel:    func() { c.Cancel(run.ID) },
	}, nil
}

// Cancel requests cooperative cancellation of an active run. After the
// grace period the run is forced to Cancelled and blocked producers are
// dropped with a warning.
func (c *Coordinator) Cancel(runID string) {
	c.mu.Lock()
	ar, ok := c.active[runID]
	c.mu.Unlock()
	if !ok {
		return
	}

	ar.cancelReq.Do(func() {
		close(ar.cancelled)
		ar.cancel()
		go c.watchGrace(ar)
	})
}

// watchGrace forces the terminal state if the run does not wind down
// within the grace period.
func (c *Coordinator) watchGrace(ar *activeRun) {
	select {
	case <-ar.finished:
		return
	case <-time.After(c.cancelGrace):
	}

	coord := ar.bus.Producer("coordinator")
	coord.Emit(event.KindError, &event.Error{
		ErrorKind: "cancelled",
		Message:   "cancellation grace period elapsed, dropping pending producers",
	})
	c.finishRun(ar, coord, store.RunCancelled, "", "cancelled", "forced after grace period")
}

// execute drives the run to completion on its own goroutine.
func (c *Coordinator) execute(ctx context.Context, ar *activeRun, entry *Entry, input string) {
	defer close(ar.finished)
	defer ar.cancel()

	run := ar.run
	ctx, span := observability.GetTracer("tandem/runner").Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("spec.id", run.AgentID),
			attribute.String("session.id", run.SessionID),
		))
	defer span.End()

	producer := ar.bus.Producer(run.AgentID)
	producer.Emit(event.KindRunStarted, nil)

	run.Status = store.RunStreaming
	if err := c.records.UpdateRun(ctx, run); err != nil {
		slog.Error("Failed to flush run status", "run_id", run.ID, "error", err)
	}

	history, err := c.sessions.History(ctx, run.SessionID, entry.NumHistoryRuns)
	if err != nil {
		slog.Warn("Failed to load session history", "run_id", run.ID, "error", err)
	}

	in := &agent.Input{
		RunID:     run.ID,
		SessionID: run.SessionID,
		UserID:    run.UserID,
		Text:      input,
		History:   history,
	}
	outcome, execErr := entry.Runnable.Execute(ctx, in, producer)

	switch {
	case execErr == nil:
		c.persistMessages(run, input, outcome.Output)
		if entry.Memory {
			c.captureMemory(ar, producer, input, outcome.Output)
		}
		c.finishRun(ar, producer, store.RunSucceeded, outcome.Output, "", "")

	case isCancelled(execErr, ar):
		c.finishRun(ar, producer, store.RunCancelled, "", "cancelled", execErr.Error())

	case errors.Is(execErr, context.DeadlineExceeded):
		c.finishRun(ar, producer, store.RunFailed, "", "timeout", "run exceeded its time budget")

	default:
		c.finishRun(ar, producer, store.RunFailed, "", "internal", execErr.Error())
	}

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	}
}

func isCancelled(err error, ar *activeRun) bool {
	if !errors.Is(err, context.Canceled) {
		return false
	}
	select {
	case <-ar.cancelled:
		return true
	default:
		return false
	}
}

// finishRun flushes the terminal status synchronously, emits the
// terminal event exactly once and shuts the bus down.
func (c *Coordinator) finishRun(ar *activeRun, producer *event.Producer, status store.RunStatus, output, errorKind, errorMsg string) {
	ar.terminal.Do(func() {
		run := ar.run
		now := time.Now().UTC()
		run.Status = status
		run.Output = output
		run.ErrorKind = errorKind
		run.ErrorMsg = errorMsg
		run.CompletedAt = &now

		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.records.UpdateRun(flushCtx, run); err != nil {
			slog.Error("Failed to flush terminal run status", "run_id", run.ID, "error", err)
		}

		switch status {
		case store.RunSucceeded:
			producer.Emit(event.KindRunCompleted, &event.RunCompleted{Output: output})
		case store.RunCancelled:
			producer.Emit(event.KindRunCancelled, nil)
		default:
			producer.Emit(event.KindRunFailed, &event.RunFailed{ErrorKind: errorKind, Message: errorMsg})
		}
		ar.bus.Shutdown()

		c.mu.Lock()
		delete(c.active, run.ID)
		c.mu.Unlock()
	})
}

// persistMessages stores the exchange as messages. IDs are derived from
// the run so a replayed flush stays idempotent.
func (c *Coordinator) persistMessages(run *store.Run, input, output string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	msgs := []*store.Message{
		{
			ID:        run.ID + "/user",
			RunID:     run.ID,
			SessionID: run.SessionID,
			UserID:    run.UserID,
			Role:      "user",
			Content:   input,
			CreatedAt: now,
		},
		{
			ID:        run.ID + "/assistant",
			RunID:     run.ID,
			SessionID: run.SessionID,
			UserID:    run.UserID,
			Role:      "assistant",
			Content:   output,
			AgentID:   run.AgentID,
			CreatedAt: now.Add(time.Millisecond),
		},
	}
	if err := c.records.AppendMessages(ctx, msgs); err != nil {
		slog.Error("Failed to persist run messages", "run_id", run.ID, "error", err)
	}
}

// captureMemory extracts memories from the exchange. Failures never
// fail the run; they surface as a metrics event and a log line.
func (c *Coordinator) captureMemory(ar *activeRun, producer *event.Producer, input, output string) {
	if c.memories == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	transcript := fmt.Sprintf("User: %s\nAssistant: %s", input, output)
	created, err := c.memories.CaptureFromRun(ctx, ar.run.UserID, transcript)
	if err != nil {
		slog.Warn("Memory capture failed", "run_id", ar.run.ID, "error", err)
		producer.Emit(event.KindMetrics, &event.Metrics{})
		return
	}
	if len(created) > 0 {
		slog.Debug("Captured memories", "run_id", ar.run.ID, "count", len(created))
	}
}

// RunMember starts a member sub-run under a parent run and blocks until
// it finishes. Used by teams as their RunMemberFunc.
func (c *Coordinator) RunMember(ctx context.Context, memberID string, in *agent.Input) (*team.MemberOutcome, error) {
	ctx, span := observability.GetTracer("tandem/runner").Start(ctx, "run.member",
		trace.WithAttributes(
			attribute.String("member.id", memberID),
			attribute.String("run.id", in.RunID),
		))
	defer span.End()

	entry, ok := c.Entry(memberID)
	if !ok {
		return nil, fmt.Errorf("unknown member %q", memberID)
	}

	c.mu.Lock()
	parent, ok := c.active[in.RunID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("parent run %s is not active", in.RunID)
	}

	sub := &store.Run{
		ID:          uuid.NewString(),
		SessionID:   in.SessionID,
		UserID:      in.UserID,
		ParentRunID: in.RunID,
		AgentID:     memberID,
		Status:      store.RunStreaming,
		Input:       in.Text,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.records.CreateRun(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create sub-run: %w", err)
	}

	// The event stream is the primary record of the delegation; this
	// message row is its archival projection under the parent run.
	if err := c.records.AppendMessages(ctx, []*store.Message{{
		ID:        sub.ID + "/delegation",
		RunID:     in.RunID,
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Role:      "delegation",
		Content:   in.Text,
		AgentID:   memberID,
		CreatedAt: sub.CreatedAt,
	}}); err != nil {
		slog.Warn("Failed to archive delegation message", "run_id", in.RunID, "error", err)
	}

	// Fresh producer per sub-run, carrying the member identity.
	producer := parent.bus.Producer(memberID + "/" + sub.ID)
	producer.Emit(event.KindRunStarted, nil)

	subIn := &agent.Input{
		RunID:     sub.ID,
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Text:      in.Text,
		History:   in.History,
		Extra:     in.Extra,
	}
	outcome, err := entry.Runnable.Execute(ctx, subIn, producer)

	now := time.Now().UTC()
	sub.CompletedAt = &now
	result := &team.MemberOutcome{MemberID: memberID, RunID: sub.ID}

	switch {
	case err == nil:
		sub.Status = store.RunSucceeded
		sub.Output = outcome.Output
		producer.Emit(event.KindRunCompleted, &event.RunCompleted{Output: outcome.Output})
		result.Status = "succeeded"
		result.Output = outcome.Output

	case errors.Is(err, context.Canceled):
		sub.Status = store.RunCancelled
		sub.ErrorKind = "cancelled"
		producer.Emit(event.KindRunCancelled, nil)
		result.Status = "cancelled"

	default:
		sub.Status = store.RunFailed
		sub.ErrorKind = "internal"
		sub.ErrorMsg = err.Error()
		producer.Emit(event.KindRunFailed, &event.RunFailed{ErrorKind: "internal", Message: err.Error()})
		result.Status = "failed"
		result.Output = err.Error()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if uerr := c.records.UpdateRun(flushCtx, sub); uerr != nil {
		slog.Error("Failed to flush sub-run status", "run_id", sub.ID, "error", uerr)
	}

	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	return result, nil
}

// pump drains the bus into the consumer channel while persisting events
// in idempotent batches. Member sub-runs emit their own terminal kinds
// on this bus, so only a terminal event from the run's top-level
// producer (or the coordinator watchdog) ends the stream.
func (c *Coordinator) pump(runID, userID, topProducer string, bus *event.Bus, out chan<- *event.Event) {
	defer close(out)

	var batch []*store.EventRecord
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.records.AppendEvents(ctx, batch); err != nil {
			slog.Error("Failed to flush event batch", "run_id", runID, "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-bus.Events():
			payload, err := e.MarshalPayload()
			if err != nil {
				slog.Error("Failed to serialize event payload", "run_id", runID, "error", err)
			}
			batch = append(batch, &store.EventRecord{
				RunID:      e.RunID,
				UserID:     userID,
				ProducerID: e.ProducerID,
				Seq:        e.Seq,
				RunSeq:     e.RunSeq,
				Kind:       string(e.Kind),
				Payload:    payload,
				TS:         e.TS,
			})

			terminal := e.Kind.Terminal() &&
				(e.ProducerID == topProducer || e.ProducerID == "coordinator")
			if len(batch) >= flushBatchSize || terminal {
				flush()
			}

			out <- e
			if terminal {
				return
			}

		case <-ticker.C:
			flush()
		}
	}
}

// Replay returns a run's persisted events ordered by run_seq, scoped to
// the owner.
func (c *Coordinator) Replay(ctx context.Context, userID, runID string) ([]*store.EventRecord, error) {
	run, err := c.records.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, store.ErrPermissionDenied
	}
	return c.records.ListEvents(ctx, runID)
}

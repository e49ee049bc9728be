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

package event

import (
	"sync"
	"time"
)

// DefaultBufferSize is the bounded capacity of a bus. Producers block
// once the buffer is full (block-producer backpressure, no event loss).
const DefaultBufferSize = 256

// Bus is the per-run fan-in of events from all producers into a single
// consumer stream. Single writer per producer, multi-producer, single
// consumer.
//
// The internal channel is never closed: end-of-stream is signaled by a
// terminal event kind, and Shutdown unblocks any producer still waiting
// on a full buffer. This avoids a close/send race with late producers
// that are dropped after the cancellation grace period.
type Bus struct {
	runID string
	ch    chan *Event
	done  chan struct{}

	mu        sync.Mutex
	runSeq    int64
	producers map[string]*Producer
	closed    bool
}

// NewBus creates a bus for the given run with the given buffer size.
// A size of zero selects DefaultBufferSize.
func NewBus(runID string, size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus{
		runID:     runID,
		ch:        make(chan *Event, size),
		done:      make(chan struct{}),
		producers: make(map[string]*Producer),
	}
}

// Events returns the consumer side of the bus. The consumer stops
// reading once it observes a terminal event kind.
func (b *Bus) Events() <-chan *Event {
	return b.ch
}

// RunID returns the run this bus belongs to.
func (b *Bus) RunID() string {
	return b.runID
}

// Producer returns the emit handle for the given producer identity,
// creating it on first use. Each producer owns its own gap-free Seq.
func (b *Bus) Producer(id string) *Producer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.producers[id]; ok {
		return p
	}
	p := &Producer{bus: b, id: id}
	b.producers[id] = p
	return p
}

// Shutdown rejects all further emits and releases producers blocked on
// a full buffer. Safe to call more than once.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// emit assigns runSeq under the bus lock, then delivers. Delivery
// happens outside the lock so a full buffer blocks only the caller.
// Returns false when the bus has been shut down.
func (b *Bus) emit(e *Event) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.runSeq++
	e.RunSeq = b.runSeq
	b.mu.Unlock()

	select {
	case b.ch <- e:
		return true
	case <-b.done:
		return false
	}
}

// Producer emits events for one identity. Each producer has exactly one
// writer goroutine; Seq is strictly increasing and gap-free for the
// events that were accepted.
type Producer struct {
	bus *Bus
	id  string
	seq int64
}

// ID returns the producer identity.
func (p *Producer) ID() string {
	return p.id
}

// Emit publishes an event with the next per-producer sequence number.
// It blocks while the bus buffer is full and reports whether the event
// was accepted (false after shutdown).
func (p *Producer) Emit(kind Kind, payload any) bool {
	p.seq++
	e := &Event{
		ID:         newID(),
		RunID:      p.bus.runID,
		ProducerID: p.id,
		Kind:       kind,
		Payload:    payload,
		Seq:        p.seq,
		TS:         time.Now().UTC(),
	}
	if !p.bus.emit(e) {
		p.seq--
		return false
	}
	return true
}

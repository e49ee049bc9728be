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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerSeqGapFree(t *testing.T) {
	bus := NewBus("run-1", 16)
	p := bus.Producer("agent")

	for i := 0; i < 5; i++ {
		require.True(t, p.Emit(KindContentDelta, &ContentDelta{Text: "x"}))
	}

	for i := 0; i < 5; i++ {
		e := <-bus.Events()
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, int64(i+1), e.RunSeq)
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, "agent", e.ProducerID)
	}
}

func TestRunSeqMonotonicAcrossProducers(t *testing.T) {
	bus := NewBus("run-1", 64)
	a := bus.Producer("a")
	b := bus.Producer("b")

	var wg sync.WaitGroup
	for _, p := range []*Producer{a, b} {
		wg.Add(1)
		go func(p *Producer) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				p.Emit(KindContentDelta, &ContentDelta{Text: "x"})
			}
		}(p)
	}
	wg.Wait()

	var last int64
	perProducer := map[string]int64{}
	for i := 0; i < 20; i++ {
		e := <-bus.Events()
		assert.Greater(t, e.RunSeq, last, "run_seq must be strictly increasing")
		last = e.RunSeq
		assert.Equal(t, perProducer[e.ProducerID]+1, e.Seq, "per-producer seq must be gap-free")
		perProducer[e.ProducerID] = e.Seq
	}
}

func TestProducerHandleReused(t *testing.T) {
	bus := NewBus("run-1", 4)
	assert.Same(t, bus.Producer("a"), bus.Producer("a"))
}

func TestEmitBlocksOnFullBuffer(t *testing.T) {
	bus := NewBus("run-1", 1)
	p := bus.Producer("a")

	require.True(t, p.Emit(KindContentDelta, &ContentDelta{Text: "1"}))

	emitted := make(chan bool, 1)
	go func() {
		emitted <- p.Emit(KindContentDelta, &ContentDelta{Text: "2"})
	}()

	select {
	case <-emitted:
		t.Fatal("emit should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	<-bus.Events()
	assert.True(t, <-emitted)
}

func TestShutdownUnblocksAndRejects(t *testing.T) {
	bus := NewBus("run-1", 1)
	p := bus.Producer("a")
	require.True(t, p.Emit(KindContentDelta, &ContentDelta{Text: "1"}))

	blocked := make(chan bool, 1)
	go func() {
		blocked <- p.Emit(KindContentDelta, &ContentDelta{Text: "2"})
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Shutdown()
	assert.False(t, <-blocked, "blocked emit must be released with rejection")
	assert.False(t, p.Emit(KindContentDelta, &ContentDelta{Text: "3"}))

	// Shutdown is idempotent.
	bus.Shutdown()
}

func TestRejectedEmitDoesNotBurnSeq(t *testing.T) {
	bus := NewBus("run-1", 8)
	p := bus.Producer("a")
	require.True(t, p.Emit(KindContentDelta, &ContentDelta{Text: "1"}))
	bus.Shutdown()
	assert.False(t, p.Emit(KindContentDelta, &ContentDelta{Text: "2"}))

	e := <-bus.Events()
	assert.Equal(t, int64(1), e.Seq)
}

func TestTerminalKinds(t *testing.T) {
	assert.True(t, KindRunCompleted.Terminal())
	assert.True(t, KindRunFailed.Terminal())
	assert.True(t, KindRunCancelled.Terminal())
	assert.False(t, KindRunStarted.Terminal())
	assert.False(t, KindContentDelta.Terminal())
	assert.False(t, KindError.Terminal())
}

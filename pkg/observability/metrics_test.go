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

package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tandem/pkg/event"
)

func TestObserveUpdatesInstruments(t *testing.T) {
	m := NewMetrics()

	m.Observe(&event.Event{Kind: event.KindRunStarted})
	m.Observe(&event.Event{Kind: event.KindRunCompleted, Payload: &event.RunCompleted{Output: "ok"}})
	m.Observe(&event.Event{Kind: event.KindRunFailed, Payload: &event.RunFailed{ErrorKind: "internal"}})
	m.Observe(&event.Event{Kind: event.KindToolCallCompleted, Payload: &event.ToolCallCompleted{ToolName: "echo"}})
	m.Observe(&event.Event{Kind: event.KindToolCallCompleted, Payload: &event.ToolCallCompleted{ToolName: "echo", ErrorKind: "timeout"}})
	m.Observe(&event.Event{Kind: event.KindMemberCompleted, Payload: &event.MemberCompleted{MemberID: "researcher", Status: "succeeded"}})
	m.Observe(&event.Event{Kind: event.KindMetrics, Payload: &event.Metrics{TokensIn: 10, TokensOut: 4}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("echo", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("echo", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemberRuns.WithLabelValues("succeeded")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.TokensInput))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TokensOutput))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.Observe(&event.Event{Kind: event.KindRunStarted})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tandem_runs_started_total 1")
}

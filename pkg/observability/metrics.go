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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/tandem/pkg/event"
)

// Metrics exposes the runtime's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	ToolCalls     *prometheus.CounterVec
	MemberRuns    *prometheus.CounterVec
	TokensInput   prometheus.Counter
	TokensOutput  prometheus.Counter
	EventsEmitted *prometheus.CounterVec
}

// NewMetrics registers the runtime instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tandem_runs_started_total",
			Help: "Total runs started",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_runs_finished_total",
			Help: "Total runs finished, by terminal status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tandem_run_duration_seconds",
			Help:    "Run wall clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_tool_calls_total",
			Help: "Total tool invocations, by tool and error kind",
		}, []string{"tool", "error_kind"}),
		MemberRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_member_runs_total",
			Help: "Total member sub-runs, by terminal status",
		}, []string{"status"}),
		TokensInput: factory.NewCounter(prometheus.CounterOpts{
			Name: "tandem_llm_tokens_input_total",
			Help: "Total prompt tokens sent to LLM providers",
		}),
		TokensOutput: factory.NewCounter(prometheus.CounterOpts{
			Name: "tandem_llm_tokens_output_total",
			Help: "Total completion tokens received from LLM providers",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_events_total",
			Help: "Total events streamed, by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates instruments from one streamed event.
func (m *Metrics) Observe(e *event.Event) {
	m.EventsEmitted.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case event.KindRunStarted:
		m.RunsStarted.Inc()
	case event.KindRunCompleted:
		m.RunsFinished.WithLabelValues("succeeded").Inc()
	case event.KindRunFailed:
		m.RunsFinished.WithLabelValues("failed").Inc()
	case event.KindRunCancelled:
		m.RunsFinished.WithLabelValues("cancelled").Inc()
	case event.KindToolCallCompleted:
		if p, ok := e.Payload.(*event.ToolCallCompleted); ok {
			kind := p.ErrorKind
			if kind == "" {
				kind = "none"
			}
			m.ToolCalls.WithLabelValues(p.ToolName, kind).Inc()
		}
	case event.KindMemberCompleted:
		if p, ok := e.Payload.(*event.MemberCompleted); ok {
			m.MemberRuns.WithLabelValues(p.Status).Inc()
		}
	case event.KindMetrics:
		if p, ok := e.Payload.(*event.Metrics); ok {
			m.TokensInput.Add(float64(p.TokensIn))
			m.TokensOutput.Add(float64(p.TokensOut))
		}
	}
}

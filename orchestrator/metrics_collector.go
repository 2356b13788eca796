// Copyright 2025 Digbi Health
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

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Retry category labels reported on the corrective-retry counter.
const (
	RetryCategoryBehavior  = "required_behavior"
	RetryCategoryGuardrail = "guardrail"
)

// MetricsCollector holds the Prometheus instruments for the ask path.
// Registration happens once at construction; label cardinality is bounded
// by the agent roster and the fixed guardrail set.
type MetricsCollector struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	correctiveRetries *prometheus.CounterVec
	guardrailTrips    *prometheus.CounterVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
}

// NewMetricsCollector registers the collectors with the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)

	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "digbigpt_requests_total",
			Help: "Ask requests by agent and terminal status",
		}, []string{"agent", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "digbigpt_request_duration_seconds",
			Help:    "End-to-end ask latency by agent",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent"}),

		correctiveRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "digbigpt_corrective_retries_total",
			Help: "Corrective retries issued by defect category",
		}, []string{"category"}),

		guardrailTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "digbigpt_guardrail_trips_total",
			Help: "Guardrail trips by guardrail name",
		}, []string{"guardrail"}),

		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "digbigpt_cache_hits_total",
			Help: "Answers served from the query cache",
		}),

		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "digbigpt_cache_misses_total",
			Help: "Ask requests that missed the query cache",
		}),
	}
}

// ObserveRequest records one completed ask request
func (m *MetricsCollector) ObserveRequest(agent, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(agent, status).Inc()
	m.requestDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// ObserveRetry records a corrective retry by defect category
func (m *MetricsCollector) ObserveRetry(category string) {
	if m == nil {
		return
	}
	m.correctiveRetries.WithLabelValues(category).Inc()
}

// ObserveGuardrailTrip records a guardrail trip by name
func (m *MetricsCollector) ObserveGuardrailTrip(guardrail string) {
	if m == nil {
		return
	}
	m.guardrailTrips.WithLabelValues(guardrail).Inc()
}

// ObserveCache records a cache hit or miss
func (m *MetricsCollector) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// Copyright 2025 Tom Barlow
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

// Package metrics exposes run counters for vgpflow in Prometheus format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgpflow_submissions_total",
			Help: "Stage submissions by stage and result",
		},
		[]string{"stage", "result"},
	)

	polls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgpflow_polls_total",
			Help: "Job status queries by observed result",
		},
		[]string{"result"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgpflow_persistence_errors_total",
			Help: "Total persistence operation errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgpflow_entity_outcomes_total",
			Help: "Entities processed by final outcome",
		},
		[]string{"outcome"},
	)

	resets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgpflow_retry_resets_total",
			Help: "Failed or cancelled stages cleared for retry",
		},
		[]string{"stage", "status"},
	)

	activeEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vgpflow_active_entities",
			Help: "Entities currently being processed by a worker",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vgpflow_tick_duration_seconds",
			Help:    "Duration of one executor tick",
			Buckets: []float64{0.1, 1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
		},
	)
)

// RecordSubmission counts a submission attempt.
// result is one of: ok, error, adopted
func RecordSubmission(stage, result string) {
	submissions.WithLabelValues(stage, result).Inc()
}

// RecordPoll counts one status query outcome, e.g. "running", "completed",
// "transient_error".
func RecordPoll(result string) {
	polls.WithLabelValues(result).Inc()
}

// RecordPersistenceError increments the persistence error counter.
// operation should be one of: checkpoint, merge, save_run, write_results
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordOutcome counts an entity's final outcome for the run.
func RecordOutcome(outcome string) {
	outcomes.WithLabelValues(outcome).Inc()
}

// RecordReset counts a stage cleared by retry-reset.
func RecordReset(stage, status string) {
	resets.WithLabelValues(stage, status).Inc()
}

// EntityStarted increments the active entity gauge.
func EntityStarted() { activeEntities.Inc() }

// EntityFinished decrements the active entity gauge.
func EntityFinished() { activeEntities.Dec() }

// ObserveTick records how long a tick took.
func ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// WriteTextfile writes every registered metric to path in the node
// exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

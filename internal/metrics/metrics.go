// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the orchestrator core.
// Label cardinality is bounded: codes, actions and dep keys come from
// closed sets; never a ticket or request id.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GuardRejectTotal counts guarded state-machine rejects by stable code and action.
	GuardRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_store_guard_reject_total",
		Help: "Total number of guarded ticket store rejects, by code and action.",
	}, []string{"code", "action"})

	// RequiredUnavailableTotal counts admission rejects per missing required dependency.
	RequiredUnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "required_unavailable_total",
		Help: "Total number of requests rejected because a required dependency was unavailable, per dep key.",
	}, []string{"dep"})

	// ReadinessDegraded is 1 while any dependency (required or optional) is not ready.
	ReadinessDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "readiness_degraded",
		Help: "Whether any configured dependency is currently not ready (1) or all are ready (0).",
	})

	// ReadinessRequiredReady tracks per-dep readiness for required dependencies.
	ReadinessRequiredReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "readiness_required_ready",
		Help: "Readiness of each required dependency (1 ready, 0 not ready).",
	}, []string{"dep"})

	// ReadinessOptionalReady tracks per-dep readiness for optional dependencies.
	ReadinessOptionalReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "readiness_optional_ready",
		Help: "Readiness of each optional dependency (1 ready, 0 not ready).",
	}, []string{"dep"})

	// TicketsByStatus mirrors the store's per-status counts on each mutation.
	TicketsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickets_by_status",
		Help: "Current number of tickets per lifecycle status.",
	}, []string{"status"})

	// SnapshotAppendTotal counts append-only snapshot writes by file kind and outcome.
	SnapshotAppendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_append_total",
		Help: "Total number of snapshot line appends, by file kind and outcome.",
	}, []string{"kind", "outcome"})

	// TailStepTotal counts tail-follower steps by outcome.
	TailStepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tail_step_total",
		Help: "Total number of tail follower steps, by outcome (ok, reset, error, skipped).",
	}, []string{"outcome"})

	// EvidenceRunTotal counts emitted evidence runs by reject code.
	EvidenceRunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_run_total",
		Help: "Total number of emitted evidence runs, by reject code.",
	}, []string{"code"})

	// HTTPRequestsTotal counts handled HTTP requests by route and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests, by route pattern and status class.",
	}, []string{"route", "class"})
)

// RecordGuardReject increments the guard reject counter.
func RecordGuardReject(code, action string) {
	GuardRejectTotal.WithLabelValues(code, action).Inc()
}

// RecordRequiredUnavailable increments the admission reject counter for one
// missing required dep. The label carries the dep key joined with the
// canonical error code, once per missing dep per rejected request.
func RecordRequiredUnavailable(depKey string) {
	RequiredUnavailableTotal.WithLabelValues(depKey + "|MCP_REQUIRED_UNAVAILABLE").Inc()
}

// RecordSnapshotAppend increments the snapshot append counter.
func RecordSnapshotAppend(kind, outcome string) {
	SnapshotAppendTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTailStep increments the tail step counter.
func RecordTailStep(outcome string) {
	TailStepTotal.WithLabelValues(outcome).Inc()
}

// RecordEvidenceRun increments the evidence run counter.
func RecordEvidenceRun(code string) {
	EvidenceRunTotal.WithLabelValues(code).Inc()
}

// SetTicketsByStatus sets the per-status ticket gauge.
func SetTicketsByStatus(status string, n float64) {
	TicketsByStatus.WithLabelValues(status).Set(n)
}

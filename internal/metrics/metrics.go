// Package metrics provides Prometheus instrumentation for signing sessions, reconstruction and
// consensus fallbacks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all guardian node metrics
	Namespace = "guardian"

	LabelOutcome  = "outcome"
	LabelKind     = "kind"
	LabelRecord   = "record"
	LabelStrategy = "strategy"
	LabelSeverity = "severity"

	RecordSession  = "session"
	RecordRequest  = "request"
	RecordNonce    = "nonce"
	RecordPath     = "emergency_path"
	KindNonce      = "nonce_commitment"
	KindPartial    = "partial_signature"
	KindShare      = "share"
	OutcomeSuccess = "success"
)

var (
	// SessionsTotal counts signing sessions reaching a terminal status.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "signing",
			Name:      "sessions_total",
			Help:      "Signing sessions by terminal outcome",
		},
		[]string{LabelOutcome},
	)

	// ContributionsTotal counts guardian contributions by kind and result. Rejected
	// contributions carry the error kind as outcome.
	ContributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "contributions_total",
			Help:      "Guardian contributions by kind and outcome",
		},
		[]string{LabelKind, LabelOutcome},
	)

	// NonceReuseTotal counts rejected nonce reuse attempts.
	NonceReuseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "signing",
			Name:      "nonce_reuse_detected_total",
			Help:      "Nonce commitments rejected because they were already recorded or consumed",
		},
	)

	// ConflictsTotal counts lost compare-and-swap races.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cas_conflicts_total",
			Help:      "Compare-and-swap updates that lost against a concurrent writer",
		},
		[]string{LabelRecord},
	)

	// ReconstructionsTotal counts reconstruction attempts by outcome.
	ReconstructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "reconstruction",
			Name:      "attempts_total",
			Help:      "Key reconstructions by outcome",
		},
		[]string{LabelOutcome},
	)

	// FallbacksTotal counts fallback strategies activated by the resilience sweep.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "resilience",
			Name:      "fallbacks_total",
			Help:      "Consensus fallbacks activated by strategy",
		},
		[]string{LabelStrategy},
	)

	// NotificationsTotal counts timeout notifications by severity.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "resilience",
			Name:      "notifications_total",
			Help:      "Timeout notifications by severity",
		},
		[]string{LabelSeverity},
	)

	// OpenItems tracks sessions and requests not yet in a terminal status, as seen by the last sweep.
	OpenItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "resilience",
			Name:      "open_items",
			Help:      "Open sessions and requests seen by the last sweep",
		},
		[]string{LabelRecord},
	)
)

// RecordContribution counts one contribution. kind is the custody error kind, empty on success.
func RecordContribution(contribution, kind string) {
	if kind == "" {
		kind = OutcomeSuccess
	}
	ContributionsTotal.WithLabelValues(contribution, kind).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flowforge/goalalign/pkg/apperr"
)

var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goalalign_commands_total",
			Help: "Total number of engine commands by outcome",
		},
		[]string{"command", "outcome"},
	)

	RollupWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goalalign_rollup_writes_total",
			Help: "Ancestor progress writes performed by rollup",
		},
		[]string{"trigger"},
	)

	RollupConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "goalalign_rollup_conflicts_total",
			Help: "Rollup attempts aborted by a concurrent version change",
		},
	)

	RollupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "goalalign_rollup_duration_seconds",
			Help:    "Duration of one rollup including retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	ReconciledGoals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "goalalign_reconciled_goals_total",
			Help: "Goals corrected by reconciliation",
		},
	)

	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goalalign_reconcile_runs_total",
			Help: "Reconciliation runs by outcome",
		},
		[]string{"outcome"},
	)

	SettingsCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goalalign_settings_cache_lookups_total",
			Help: "Settings cache lookups by result",
		},
		[]string{"result"},
	)

	OutboxEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goalalign_outbox_events_total",
			Help: "Outbox events handled by the relay by result",
		},
		[]string{"event_type", "result"},
	)
)

// ObserveCommand counts one engine command by its error kind.
func ObserveCommand(command string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	CommandsTotal.WithLabelValues(command, outcome).Inc()
}

// ObserveReconcile counts one reconciliation run of an organization.
func ObserveReconcile(corrected int, err error) {
	switch {
	case err != nil:
		outcome := string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		ReconcileRuns.WithLabelValues(outcome).Inc()
	case corrected > 0:
		ReconcileRuns.WithLabelValues("corrected").Inc()
		ReconciledGoals.Add(float64(corrected))
	default:
		ReconcileRuns.WithLabelValues("clean").Inc()
	}
}

// Package metrics declares the Prometheus collectors of rowshim. Collectors
// are registered with the default registry at init, and are served by
// mainboilerplate.InitDiagnosticsAndRecover at /debug/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared across collectors.
const (
	Fail = "fail"
	Ok   = "ok"

	// Reasons for which a row is queued rather than written through.
	ReasonDisconnected = "disconnected"
	ReasonWriteError   = "write_error"
	ReasonReplayFailed = "replay_failed"
)

// Collectors of the gateway package.
var (
	RowsInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowshim_rows_inserted_total",
		Help: "Cumulative number of row insert attempts against the database, by status.",
	}, []string{"status"})
	RowsQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowshim_rows_queued_total",
		Help: "Cumulative number of rows added to the pending queue, by reason.",
	}, []string{"reason"})
	SelectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowshim_selects_total",
		Help: "Cumulative number of select queries, by status.",
	}, []string{"status"})
)

// Collectors of the pending package.
var (
	PendingRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rowshim_pending_rows",
		Help: "Number of rows currently held in the pending queue.",
	})
)

// Collectors of the snapshot package.
var (
	SnapshotWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowshim_snapshot_writes_total",
		Help: "Cumulative number of snapshot file writes, by status.",
	}, []string{"status"})
	SnapshotBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rowshim_snapshot_bytes",
		Help: "Size in bytes of the most recently written snapshot file.",
	})
	SnapshotRestoresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowshim_snapshot_restores_total",
		Help: "Cumulative number of times a snapshot was restored from its backup.",
	})
)

// Collectors of the recovery package.
var (
	RecoveryPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowshim_recovery_passes_total",
		Help: "Cumulative number of recovery passes over the pending queue.",
	})
	RecoveredRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowshim_recovered_rows_total",
		Help: "Cumulative number of pending rows successfully replayed.",
	})
	RecoveryPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowshim_recovery_panics_total",
		Help: "Cumulative number of recovery passes aborted by a panic.",
	})
)

// Collectors of the sqldb package.
var (
	DatabaseConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rowshim_database_connected",
		Help: "Whether the database is currently connected (1) or not (0).",
	})
	DatabaseConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowshim_database_connects_total",
		Help: "Cumulative number of database connection attempts, by status.",
	}, []string{"status"})
)

// Status maps |err| to the Ok or Fail label value.
func Status(err error) string {
	if err != nil {
		return Fail
	}
	return Ok
}

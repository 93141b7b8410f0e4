// Package monitoring provides Prometheus metrics for recovery sessions.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BytesScanned tracks the total number of device bytes scanned.
	BytesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filerescue_bytes_scanned_total",
		Help: "Total number of device bytes scanned",
	})

	// CandidatesFound tracks recovered-file candidates by type tag.
	CandidatesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerescue_candidates_total",
		Help: "Total number of recovery candidates detected",
	}, []string{"tag"})

	// ReadErrors tracks unreadable ranges skipped during scanning.
	ReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filerescue_read_errors_total",
		Help: "Total number of unreadable device ranges skipped",
	})

	// FilesWritten tracks recovery outcomes by manifest status.
	FilesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerescue_files_written_total",
		Help: "Total number of recovery attempts by outcome",
	}, []string{"status"})

	// SessionsActive tracks currently running sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filerescue_sessions_active",
		Help: "Number of sessions currently scanning",
	})
)

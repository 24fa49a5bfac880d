package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_server_applied_changes_total",
		Help: "Total number of submitted changes by outcome",
	}, []string{"outcome"})

	rejectedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_server_rejected_transactions_total",
		Help: "Total number of submitted transactions rejected while rebasing",
	})

	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsync_server_apply_duration_seconds",
		Help:    "Time to rebase and commit a submitted change",
		Buckets: prometheus.DefBuckets,
	})

	connectedAuthors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_server_connected_authors",
		Help: "Number of authors currently connected",
	})

	historyLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docsync_server_history_length",
		Help: "Number of committed transactions per document",
	}, []string{"doc"})
)

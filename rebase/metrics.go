package rebase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submittedChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_rebase_submitted_changes_total",
		Help: "Total number of changes submitted by rebase clients",
	})

	acceptedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_rebase_accepted_changes_total",
		Help: "Total number of committed changes accepted by rebase clients",
	}, []string{"origin"})

	rejectedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_rebase_rejected_transactions_total",
		Help: "Total number of local transactions rejected while rebasing",
	})

	backtrackedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_rebase_backtracked_transactions_total",
		Help: "Total number of sent transactions marked to be discarded by the server",
	})
)

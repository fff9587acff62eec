package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionops_sessions_created_total",
		Help: "Sessions created in waiting state",
	})

	sessionsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionops_sessions_settled_total",
		Help: "Sessions settled, labeled by end reason",
	}, []string{"reason"})

	settledAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionops_settled_amount_minor_units_total",
		Help: "Total settled session amount in minor units",
	})

	giftsSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionops_gifts_settled_total",
		Help: "Gifts settled through the ledger",
	})

	presenceTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionops_presence_transitions_total",
		Help: "Presence transitions emitted after debounce, labeled online/offline",
	}, []string{"transition"})

	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionops_payouts_total",
		Help: "Payout attempts, labeled by terminal status",
	}, []string{"status"})

	staleSessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionops_stale_sessions_reaped_total",
		Help: "Sessions force-ended by the stale sweep",
	})
)

package ordering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

var (
	// MovesTotal counts move operations by outcome.
	MovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorder_moves_total",
			Help: "Total number of task moves.",
		},
		[]string{"outcome", "kind"},
	)

	// ShiftedRowsTotal counts rows whose key was shifted to make room for a move.
	ShiftedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskorder_shifted_rows_total",
			Help: "Total number of rows touched by range shifts.",
		},
	)

	collisionsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskorder_key_collisions_total",
			Help: "Moves whose midpoint key collided with a neighbour.",
		},
	)

	respacedScopes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskorder_respaced_scopes_total",
			Help: "Scopes whose keys were rewritten.",
		},
	)
)

func observeMove(res MoveResult, err error) {
	kind := "within_scope"
	if res.FromScope != "" && res.FromScope != res.ToScope {
		kind = "cross_scope"
	}
	if err != nil {
		MovesTotal.WithLabelValues(domain.ErrorCode(err), kind).Inc()
		return
	}
	MovesTotal.WithLabelValues("ok", kind).Inc()
	ShiftedRowsTotal.Add(float64(res.ShiftedRows))
}

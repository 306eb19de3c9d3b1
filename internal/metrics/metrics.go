package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okxbot_ticks_total",
			Help: "Decision cycles completed, by instrument.",
		},
		[]string{"inst_id"},
	)

	TransientErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okxbot_transient_errors_total",
			Help: "Ticks abandoned on a transient collaborator failure.",
		},
		[]string{"inst_id", "op"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okxbot_orders_submitted_total",
			Help: "Orders submitted to the venue, by instrument and action.",
		},
		[]string{"inst_id", "action"},
	)

	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "okxbot_exits_total",
			Help: "Position exits, by instrument and reason.",
		},
		[]string{"inst_id", "reason"},
	)

	PositionSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "okxbot_position_size",
			Help: "Open position size per instrument, zero when flat.",
		},
		[]string{"inst_id"},
	)

	EquityGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "okxbot_equity",
			Help: "Total account equity in the quote currency, per instance account.",
		},
		[]string{"inst_id"},
	)

	LossStreak = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "okxbot_loss_streak",
			Help: "Consecutive losing closes today, per instrument.",
		},
		[]string{"inst_id"},
	)

	HaltedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "okxbot_halted",
			Help: "1 while entries are halted for the rest of the day.",
		},
		[]string{"inst_id"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TransientErrors,
		OrdersSubmitted,
		ExitsTotal,
		PositionSize,
		EquityGauge,
		LossStreak,
		HaltedGauge,
	)
}

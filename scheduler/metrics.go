package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	ticks          prometheus.Counter
	ordersExecuted prometheus.Counter
	ordersFailed   prometheus.Counter
	ordersExpired  prometheus.Counter
	lastPrice      prometheus.Gauge
	eligibleOrders prometheus.Gauge
	tickDuration   prometheus.Histogram
}

// newMetrics registers the scheduler's metrics on reg. Tests pass their own
// registry to avoid duplicate registration.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcabot_scheduler_ticks_total",
			Help: "Completed scheduler ticks.",
		}),
		ordersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcabot_orders_executed_total",
			Help: "Orders executed successfully.",
		}),
		ordersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcabot_orders_failed_total",
			Help: "Failed order execution attempts.",
		}),
		ordersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcabot_orders_expired_total",
			Help: "Orders swept as expired.",
		}),
		lastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_last_price_usd",
			Help: "Spot price observed at the last tick.",
		}),
		eligibleOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_eligible_orders",
			Help: "Orders eligible at the last tick.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcabot_tick_duration_seconds",
			Help:    "Wall time of a scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(m.ticks, m.ordersExecuted, m.ordersFailed, m.ordersExpired,
		m.lastPrice, m.eligibleOrders, m.tickDuration)
	return m
}

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders that reserved inventory successfully",
		},
	)

	ordersCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_cancelled_total",
			Help: "Pending orders cancelled by the buyer",
		},
	)

	ordersExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_expired_total",
			Help: "Pending orders expired by the reaper",
		},
	)

	reservationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_rejections_total",
			Help: "Order creation attempts rejected, by reason",
		},
		[]string{"reason"},
	)

	paymentConfirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_confirmations_total",
			Help: "Payment confirmation attempts, by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	ticketsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Issued tickets minted by the fulfillment engine",
		},
	)

	reaperSweepSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reaper_sweep_duration_seconds",
			Help:    "Duration of expiry reaper sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func RecordOrderCreated()   { ordersCreated.Inc() }
func RecordOrderCancelled() { ordersCancelled.Inc() }

func RecordOrdersExpired(n int) { ordersExpired.Add(float64(n)) }

func RecordReservationRejected(reason string) {
	reservationRejections.WithLabelValues(reason).Inc()
}

// Confirmation outcomes: confirmed, rejected_stale, rejected_amount,
// gateway_failed, error.
func RecordConfirmation(gateway, outcome string) {
	paymentConfirmations.WithLabelValues(gateway, outcome).Inc()
}

func RecordTicketsIssued(n int) { ticketsIssued.Add(float64(n)) }

func ObserveSweep(seconds float64) { reaperSweepSeconds.Observe(seconds) }

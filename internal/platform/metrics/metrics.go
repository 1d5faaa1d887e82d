package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	TransfersReceived  prometheus.Counter
	TransfersCompleted prometheus.Counter
	TransfersFailed    prometheus.Counter
	TransfersSent      prometheus.Counter
	CitizensRegistered prometheus.Counter

	EventsConsumed     *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	DuplicatesIgnored  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		TransfersReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "affiliation_transfers_received_total",
			Help: "Incoming transfer requests accepted.",
		}),
		TransfersCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "affiliation_transfers_completed_total",
			Help: "Incoming transfers that reached AFFILIATED.",
		}),
		TransfersFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "affiliation_transfers_failed_total",
			Help: "Transfers that reached FAILED.",
		}),
		TransfersSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "affiliation_transfers_sent_total",
			Help: "Outgoing transfers initiated.",
		}),
		CitizensRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "affiliation_citizens_registered_total",
			Help: "Direct registration requests accepted.",
		}),
		EventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "affiliation_events_consumed_total",
			Help: "Bus events processed successfully, by topic.",
		}, []string{"topic"}),
		EventsDeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "affiliation_events_dead_lettered_total",
			Help: "Malformed bus events routed to the DLQ, by topic.",
		}, []string{"topic"}),
		DuplicatesIgnored: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "affiliation_duplicate_events_ignored_total",
			Help: "Redelivered events observed as already applied, by topic.",
		}, []string{"topic"}),
	}
}

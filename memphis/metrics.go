package memphis

import "github.com/prometheus/client_golang/prometheus"

var (
	fetchedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memphis_consumer_fetched_messages_total",
			Help: "Messages returned by Consumer.Fetch, dead letters included",
		},
		[]string{"station"},
	)

	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memphis_consumer_dead_letters_total",
			Help: "Messages routed to the client-side dead-letter buffer",
		},
		[]string{"station"},
	)

	producedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memphis_producer_messages_total",
			Help: "Produce calls by outcome",
		},
		[]string{"station", "result"},
	)

	controlLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memphis_control_request_duration_seconds",
			Help:    "Latency of control-channel requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)
)

func init() {
	prometheus.MustRegister(fetchedMessages, deadLetters, producedMessages, controlLatency)
}

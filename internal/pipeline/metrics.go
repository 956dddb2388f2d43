package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memphisflow_frames_total",
			Help: "Frames pushed into each sink",
		},
		[]string{"sink"},
	)

	pushErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memphisflow_sink_errors_total",
			Help: "Failed sink pushes",
		},
		[]string{"sink"},
	)

	acks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memphisflow_acks_total",
		Help: "Sink acks fanned back to the source",
	})
)

func init() {
	prometheus.MustRegister(frames, pushErrors, acks)
}

package memphis

import "github.com/prometheus/client_golang/prometheus"

var (
	emittedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memphisflow_source_frames_total",
			Help: "Frames emitted by the station source",
		},
		[]string{"station"},
	)

	checkpointCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memphisflow_checkpoint_commits_total",
			Help: "Checkpoint writes by outcome",
		},
		[]string{"station", "result"},
	)
)

func init() {
	prometheus.MustRegister(emittedFrames, checkpointCommits)
}

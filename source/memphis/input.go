package memphis

import (
	"context"
	"fmt"
	"time"

	client "memphisflow/memphis"
)

// Input builds one ResumableSource per engine worker over a shared
// session.
type Input struct {
	Session   *client.Session
	Station   string
	Group     string
	Replay    bool
	AckPolicy AckPolicy
	// Partitions are striped across workers; empty means the station is
	// unpartitioned and only worker 0 reads it.
	Partitions []int

	BatchSize     int
	BatchMaxWait  time.Duration
	MaxAckTime    time.Duration
	MaxDeliveries int
}

// WorkerName is the durable identity of one worker: "<group>_<index>".
func (in Input) WorkerName(workerIndex int) string {
	return fmt.Sprintf("%s_%d", in.Group, workerIndex)
}

// Build opens the source for workerIndex of workerCount. Each worker owns
// its durable cursor, so resume is that worker's last checkpoint. A worker
// that is assigned nothing gets a source that never yields.
func (in Input) Build(ctx context.Context, workerIndex, workerCount int, resume []byte) (*ResumableSource, error) {
	if workerCount <= 0 || workerIndex < 0 || workerIndex >= workerCount {
		return nil, fmt.Errorf("memphis source: worker %d of %d", workerIndex, workerCount)
	}
	name := in.WorkerName(workerIndex)
	cfg := SourceConfig{
		Station:       in.Station,
		Consumer:      name,
		Group:         name,
		Checkpoint:    resume,
		Replay:        in.Replay,
		AckPolicy:     in.AckPolicy,
		BatchSize:     in.BatchSize,
		BatchMaxWait:  in.BatchMaxWait,
		MaxAckTime:    in.MaxAckTime,
		MaxDeliveries: in.MaxDeliveries,
	}

	if len(in.Partitions) == 0 {
		if workerIndex > 0 {
			return idleSource(cfg), nil
		}
	} else {
		cfg.Partitions = stripe(in.Partitions, workerIndex, workerCount)
		if len(cfg.Partitions) == 0 {
			return idleSource(cfg), nil
		}
	}
	return Open(ctx, in.Session, cfg)
}

func stripe(partitions []int, workerIndex, workerCount int) []int {
	var out []int
	for i, p := range partitions {
		if i%workerCount == workerIndex {
			out = append(out, p)
		}
	}
	return out
}

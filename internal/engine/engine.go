// Package engine wires the control-plane server, the metrics endpoint and
// the pipeline runner into one process lifecycle.
package engine

import (
	"context"
	"errors"
	"time"

	"memphisflow/internal/logging"
	"memphisflow/internal/pipeline"
	"memphisflow/internal/telemetry"
	"memphisflow/internal/transport"
	client "memphisflow/memphis"
)

const shutdownTimeout = 15 * time.Second

type Config struct {
	GRPCPort    int
	MetricsPort int
	PipelineYml string // optional

	// SessionOptions reach every broker connection the pipeline opens.
	SessionOptions []client.SessionOption
}

type Engine struct {
	transport *transport.Server
	metrics   *telemetry.Server
	runner    *pipeline.Runner
}

// Run serves until ctx ends or the pipeline stops on its own; in the
// latter case the pipeline's error is returned.
func (e *Engine) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- e.transport.Serve() }()

	var done <-chan struct{}
	if e.runner != nil {
		done = e.runner.Done()
	}

	var err error
	select {
	case <-ctx.Done():
	case <-done:
		err = e.runner.Err()
		if err == nil {
			err = errors.New("engine: pipeline stopped")
		}
	case err = <-serveErr:
	}

	e.transport.SetServing(false)
	e.transport.Stop()
	if e.runner != nil {
		err = errors.Join(err, e.runner.Close())
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = errors.Join(err, e.metrics.Shutdown(sctx))
	logging.L().Info("engine: stopped", "err", err)
	return err
}

package engine

import (
	"context"
	"fmt"

	"memphisflow/internal/logging"
	"memphisflow/internal/pipeline"
	"memphisflow/internal/telemetry"
	"memphisflow/internal/transport"
)

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	// 1. transport server
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 2. pipeline runner
	var runner *pipeline.Runner
	if cfg.PipelineYml != "" {
		runner, err = pipeline.Compile(cfg.PipelineYml, pipeline.WithSessionOptions(cfg.SessionOptions...))
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		if err := runner.Start(ctx); err != nil {
			srv.Stop()
			_ = runner.Close()
			return nil, err
		}
	}

	// 3. metrics
	metrics, err := telemetry.Expose(cfg.MetricsPort)
	if err != nil {
		srv.Stop()
		if runner != nil {
			_ = runner.Close()
		}
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	srv.SetServing(true)
	logging.L().Info("engine: started",
		"grpc", srv.Addr().String(), "metrics", metrics.Addr().String(), "pipeline", cfg.PipelineYml)
	return &Engine{
		transport: srv,
		metrics:   metrics,
		runner:    runner,
	}, nil
}

// Command engine runs a memphisflow pipeline: a station source feeding one
// or more sinks, with a gRPC health endpoint and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memphisflow/internal/engine"
	"memphisflow/internal/logging"
	"memphisflow/internal/transport"
	client "memphisflow/memphis"
	"memphisflow/transport/memory"
)

var (
	grpcPort    int
	metricsPort int
	inMemory    bool
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "memphisflow connector engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.InitFromEnv()
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [pipeline.yml]",
	Short: "Run a pipeline until SIGINT/SIGTERM",
	Long: `Runs the pipeline described by the given YAML file (default pipeline.yml).

With --in-memory every broker connection goes to an in-process broker
instead of NATS, which is handy for trying a pipeline file locally.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := engine.Config{
			GRPCPort:    grpcPort,
			MetricsPort: metricsPort,
			PipelineYml: "pipeline.yml",
		}
		if len(args) == 1 {
			cfg.PipelineYml = args[0]
		}
		if inMemory {
			b := memory.NewBroker()
			cfg.SessionOptions = append(cfg.SessionOptions, client.WithDialer(b.Dial))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := engine.Bootstrap(ctx, cfg)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		return e.Run(ctx)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running engine's health service",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := transport.Dial(fmt.Sprintf("localhost:%d", grpcPort))
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), st.String())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&grpcPort, "grpc-port", 7070, "gRPC control/health port")
	runCmd.Flags().IntVar(&metricsPort, "metrics-port", 9100, "Prometheus /metrics port")
	runCmd.Flags().BoolVar(&inMemory, "in-memory", false, "use an in-process broker instead of NATS")
	rootCmd.AddCommand(runCmd, healthCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

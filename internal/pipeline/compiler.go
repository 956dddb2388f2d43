package pipeline

import (
	"context"
	"fmt"
	"time"

	"memphisflow/internal/checkpoint"
	"memphisflow/internal/config"
	"memphisflow/internal/spec"
	client "memphisflow/memphis"
	"memphisflow/sink"
	"memphisflow/sink/kafka"
	sinkmemphis "memphisflow/sink/memphis"
	"memphisflow/sink/stdout"
	source "memphisflow/source/memphis"
)

const openTimeout = 30 * time.Second

type options struct {
	sessOpts []client.SessionOption
	store    checkpoint.Store
}

type Option func(*options)

// WithSessionOptions is handed to every connector that dials the broker.
func WithSessionOptions(opts ...client.SessionOption) Option {
	return func(o *options) { o.sessOpts = append(o.sessOpts, opts...) }
}

// WithCheckpointStore overrides the pipeline file's checkpoint block.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(o *options) { o.store = s }
}

func Compile(path string, opts ...Option) (*Runner, error) {
	r := NewRunner()
	if err := LoadYAML(path, r, opts...); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func LoadYAML(path string, r *Runner, opts ...Option) error {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfg, confPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return err
	}

	if cfg.Source.Kind != "memphis" {
		return fmt.Errorf("unsupported source %q", cfg.Source.Kind)
	}
	mc, err := config.LoadMemphisConfig(confPath)
	if err != nil {
		return err
	}

	store := o.store
	if store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
		store, err = checkpoint.Open(ctx, checkpoint.Config{
			Kind:  cfg.Checkpoint.Store,
			Path:  cfg.Checkpoint.Path,
			DSN:   cfg.Checkpoint.DSN,
			Table: cfg.Checkpoint.Table,
		})
		cancel()
		if err != nil {
			return err
		}
		r.closer = store.Close
	}

	src, err := source.NewAdapter(cfg.Source.Driver)
	if err != nil {
		return err
	}
	if d, ok := src.(*source.Driver); ok {
		d.Apply(source.WithCheckpointStore(store), source.WithSessionOptions(o.sessOpts...))
	}
	if err = src.Configure(mc); err != nil {
		return err
	}
	r.SetSource(src)

	if aw, ok := src.(source.AckAware); ok {
		r.SubscribeAck(aw.OnAck)
	}

	for _, name := range cfg.Sinks {
		sDrv, err := sink.NewAdapter(name)
		if err != nil {
			return err
		}
		if err := configureSink(name, sDrv, cfg, mc.CommitMode, o); err != nil {
			return fmt.Errorf("sink %s: %w", name, err)
		}

		if ackAware, ok := sDrv.(sink.AckAware); ok {
			ackAware.BindAck(r.Ack)
		}
		r.AddSink(name, sDrv)
	}
	return nil
}

func configureSink(name string, s sink.Adapter, cfg spec.File, commit source.CommitMode, o options) error {
	switch name {
	case "stdout":
		return s.Configure(stdout.Config{
			DelayMS:       cfg.Debug.PerFrameDelayMS,
			PrintCounter:  cfg.Debug.PrintCounter,
			BatchSize:     cfg.Debug.AckBatchSize,
			FlushMS:       cfg.Debug.AckFlushMS,
			PrintValue:    cfg.Debug.PrintValue,
			ValueMaxBytes: cfg.Debug.ValueMaxBytes,
		})

	case "kafka", "kafka-franz":
		kc := cfg.SinkConfigs.Kafka
		return s.Configure(kafka.Config{
			Brokers:  kc.Brokers,
			Topic:    kc.Topic,
			Acks:     kc.RequiredAcks,
			ClientID: kc.ClientID,
		})

	case "memphis":
		mc, err := config.LoadMemphisSinkConfig(cfg.SinkConfigs.Memphis.Config)
		if err != nil {
			return err
		}
		// an async produce acks before the broker has the record
		if mc.Async && commit == source.CommitE2E {
			return fmt.Errorf("async produce cannot back commit_mode %q", commit)
		}
		if err := sinkmemphis.Apply(s, sinkmemphis.WithSessionOptions(o.sessOpts...)); err != nil {
			return err
		}
		return s.Configure(mc)

	default:
		return fmt.Errorf("no config block for sink %q", name)
	}
}

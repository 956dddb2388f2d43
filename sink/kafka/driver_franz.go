package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"memphisflow/frame"
	"memphisflow/internal/logging"
	"memphisflow/sink"
)

const franzFlushTimeout = 10 * time.Second

type franzDriver struct {
	cfg    Config
	ack    sink.EmitFn
	client *kgo.Client
}

func (d *franzDriver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	d.cfg = cfg

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(franzAcks(cfg.Acks)),
	}
	if cfg.Acks != -1 {
		// idempotent writes need acks from all ISRs
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka-sink: failed to create Kafka client: %w", err)
	}
	d.client = client
	return nil
}

func franzAcks(n int16) kgo.Acks {
	switch n {
	case 0:
		return kgo.NoAck()
	case 1:
		return kgo.LeaderAck()
	default:
		return kgo.AllISRAcks()
	}
}

func (d *franzDriver) BindAck(fn sink.EmitFn) { d.ack = fn }

func (d *franzDriver) Push(f *frame.Frame) error {
	record := toRecord(f)
	cp := f.Checkpoint
	d.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			logging.L().Error("kafka-sink: produce failed", "checkpoint", cp.String(), "err", err)
			return
		}
		if cp != nil && d.ack != nil {
			d.ack(cp)
		}
	})
	return nil
}

func toRecord(f *frame.Frame) *kgo.Record {
	r := &kgo.Record{Key: f.Key, Value: f.Value}
	for _, h := range sortedHeaders(f) {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: h.key, Value: h.value})
	}
	if f.Ts != nil {
		r.Timestamp = f.Ts.AsTime()
	}
	return r
}

// Close flushes buffered records so their acks fire before shutdown.
func (d *franzDriver) Close() error {
	if d.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), franzFlushTimeout)
	defer cancel()
	err := d.client.Flush(ctx)
	d.client.Close()
	d.client = nil
	return err
}

func init() { sink.Register("kafka-franz", func() sink.Adapter { return &franzDriver{} }) }

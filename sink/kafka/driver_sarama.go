package kafka

import (
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"memphisflow/frame"
	"memphisflow/internal/logging"
	"memphisflow/sink"
)

type saramaDriver struct {
	cfg Config
	ack sink.EmitFn
	p   sarama.AsyncProducer
	wg  sync.WaitGroup

	// newProducer is swapped for a mock in tests.
	newProducer func([]string, *sarama.Config) (sarama.AsyncProducer, error)
}

func newSaramaDriver() *saramaDriver {
	return &saramaDriver{newProducer: sarama.NewAsyncProducer}
}

func (d *saramaDriver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	d.cfg = cfg

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	p, err := d.newProducer(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafka-sink: %w", err)
	}
	d.p = p

	d.wg.Add(2)
	go d.successes()
	go d.errors()
	return nil
}

func (d *saramaDriver) BindAck(fn sink.EmitFn) { d.ack = fn }

func (d *saramaDriver) Push(f *frame.Frame) error {
	msg := &sarama.ProducerMessage{
		Topic:    d.cfg.Topic,
		Value:    sarama.ByteEncoder(f.Value),
		Metadata: f.Checkpoint,
	}
	if len(f.Key) > 0 {
		msg.Key = sarama.ByteEncoder(f.Key)
	}
	for _, h := range sortedHeaders(f) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(h.key), Value: h.value})
	}
	if f.Ts != nil {
		msg.Timestamp = f.Ts.AsTime()
	}
	d.p.Input() <- msg
	return nil
}

// successes acks every frame the brokers confirmed.
func (d *saramaDriver) successes() {
	defer d.wg.Done()
	for msg := range d.p.Successes() {
		cp, _ := msg.Metadata.(*frame.Checkpoint)
		if cp != nil && d.ack != nil {
			d.ack(cp)
		}
	}
}

// errors logs failed frames; they stay unacked and are redelivered
// after a restart.
func (d *saramaDriver) errors() {
	defer d.wg.Done()
	for perr := range d.p.Errors() {
		cp, _ := perr.Msg.Metadata.(*frame.Checkpoint)
		logging.L().Error("kafka-sink: produce failed", "checkpoint", cp.String(), "err", perr.Err)
	}
}

func (d *saramaDriver) Close() error {
	if d.p == nil {
		return nil
	}
	d.p.AsyncClose()
	d.wg.Wait()
	d.p = nil
	return nil
}

func init() { sink.Register("kafka", func() sink.Adapter { return newSaramaDriver() }) }

// Package memphis writes frames back into a station through a Producer.
package memphis

import (
	"context"
	"errors"
	"fmt"
	"time"

	client "memphisflow/memphis"
)

// Output builds one Partition per worker. Each worker publishes under
// its own producer identity "<producer>_<worker>".
type Output struct {
	Session  *client.Session
	Station  string
	Producer string
	Async    bool
	AckWait  time.Duration
}

func (o Output) ProducerName(workerIndex int) string {
	return fmt.Sprintf("%s_%d", o.Producer, workerIndex)
}

func (o Output) Build(ctx context.Context, workerIndex int) (*Partition, error) {
	if o.Session == nil {
		return nil, errors.New("memphis sink: session is required")
	}
	p, err := o.Session.Producer(ctx, o.Station, o.ProducerName(workerIndex))
	if err != nil {
		return nil, err
	}
	return &Partition{p: p, async: o.Async, ackWait: o.AckWait}, nil
}

// Item is one record to publish.
type Item struct {
	Payload []byte
	Headers map[string]string
	MsgID   string
}

// Partition is a single worker's writer.
type Partition struct {
	p       *client.Producer
	async   bool
	ackWait time.Duration
}

func (w *Partition) Producer() *client.Producer { return w.p }

// Write publishes items in order and stops at the first failure.
func (w *Partition) Write(ctx context.Context, items ...Item) error {
	for _, it := range items {
		opts := []client.ProduceOption{client.WithHeaders(it.Headers)}
		if it.MsgID != "" {
			opts = append(opts, client.WithMsgID(it.MsgID))
		}
		if w.ackWait > 0 {
			opts = append(opts, client.WithAckWait(w.ackWait))
		}
		if w.async {
			opts = append(opts, client.Async())
		}
		if err := w.p.Produce(ctx, it.Payload, opts...); err != nil {
			return err
		}
	}
	return nil
}

// Close destroys the worker's producer identity.
func (w *Partition) Close(ctx context.Context) error {
	return w.p.Destroy(ctx)
}

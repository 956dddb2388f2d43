package memphis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"memphisflow/internal/logging"
	"memphisflow/transport"
)

const (
	HeaderProducedBy   = "$memphis_producedBy"
	HeaderConnectionID = "$memphis_connectionId"
	HeaderMsgID        = "msg-id"

	defaultAckWait = 15 * time.Second
)

type producerOptions struct {
	randomSuffix bool
}

type ProducerOption func(*producerOptions)

// WithProducerRandomSuffix appends a random suffix to the producer name.
func WithProducerRandomSuffix() ProducerOption {
	return func(o *producerOptions) { o.randomSuffix = true }
}

// Producer publishes into one station under one producer identity.
type Producer struct {
	s           *Session
	name        string
	stationName string
	key         string

	mu sync.Mutex
	// scheduler follows the partition list the broker returned on
	// creation; nil for unpartitioned stations.
	scheduler *PartitionScheduler
	destroyed bool
}

// Producer registers a producer with the broker and returns its handle.
func (s *Session) Producer(ctx context.Context, stationName, name string, opts ...ProducerOption) (*Producer, error) {
	var o producerOptions
	for _, fn := range opts {
		fn(&o)
	}
	if stationName == "" || name == "" {
		return nil, newError(KindValidation, "producer", "station and producer name are required")
	}
	realName := strings.ToLower(name)
	if o.randomSuffix {
		name = randomSuffix(name)
	}
	name = strings.ToLower(name)

	raw, err := s.request(ctx, subjProducerCreate, createProducerReq{
		Name:         name,
		StationName:  stationName,
		ConnectionID: s.connectionID,
		ProducerType: "application",
		ReqVersion:   reqVersion,
		Username:     s.username,
	})
	if err != nil {
		return nil, err
	}
	resp, err := decodeProducerResp("create producer", raw)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		s:           s,
		name:        name,
		stationName: stationName,
		key:         registryKey(stationName, realName),
		scheduler:   NewPartitionScheduler(resp.PartitionsUpdate.PartitionsList),
	}
	if err := s.addProducer(p.key, p); err != nil {
		return nil, err
	}
	logging.L().Info("memphis: producer created", "station", stationName, "producer", name)
	return p, nil
}

func (p *Producer) Name() string    { return p.name }
func (p *Producer) Station() string { return p.stationName }

type produceOptions struct {
	headers map[string]string
	msgID   string
	ackWait time.Duration
	async   bool
}

type ProduceOption func(*produceOptions)

// WithHeaders adds caller headers. Identity headers set by the producer
// take precedence over caller keys of the same name.
func WithHeaders(h map[string]string) ProduceOption {
	return func(o *produceOptions) { o.headers = h }
}

// WithMsgID attaches an idempotency key; the broker drops duplicates.
func WithMsgID(id string) ProduceOption {
	return func(o *produceOptions) { o.msgID = id }
}

func WithAckWait(d time.Duration) ProduceOption {
	return func(o *produceOptions) { o.ackWait = d }
}

// Async returns as soon as the message is handed to the transport. A nil
// error then says nothing about delivery.
func Async() ProduceOption {
	return func(o *produceOptions) { o.async = true }
}

// Produce publishes payload to the station.
func (p *Producer) Produce(ctx context.Context, payload []byte, opts ...ProduceOption) error {
	o := produceOptions{ackWait: defaultAckWait}
	for _, fn := range opts {
		fn(&o)
	}

	if p.s.isClosed() {
		return ErrConnectionClosed
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	partition := 0
	if p.scheduler != nil {
		partition = p.scheduler.Next()
	}
	p.mu.Unlock()

	msg := &transport.OutMsg{
		Subject: StationSubject(p.stationName, partition),
		Data:    payload,
		Header:  p.headers(o),
		AckWait: o.ackWait,
	}
	err := p.s.conn.Publish(ctx, msg, o.async)
	switch {
	case err == nil:
		producedMessages.WithLabelValues(p.stationName, "ok").Inc()
		return nil
	case errors.Is(err, transport.ErrNoResponders):
		producedMessages.WithLabelValues(p.stationName, "unavailable").Inc()
		return &Error{Kind: KindPublishUnavailable, Op: "produce", Msg: ErrPublishUnavailable.Msg, Err: err}
	default:
		producedMessages.WithLabelValues(p.stationName, "error").Inc()
		return wrapError(KindPublish, "produce", err)
	}
}

func (p *Producer) headers(o produceOptions) map[string]string {
	h := make(map[string]string, len(o.headers)+3)
	for k, v := range o.headers {
		h[k] = v
	}
	if o.msgID != "" {
		h[HeaderMsgID] = o.msgID
	}
	h[HeaderProducedBy] = p.name
	h[HeaderConnectionID] = p.s.connectionID
	return h
}

// Destroy unregisters the producer broker-side. A producer the broker no
// longer knows counts as destroyed.
func (p *Producer) Destroy(ctx context.Context) error {
	raw, err := p.s.request(ctx, subjProducerDestroy, destroyReq{
		Name:         p.name,
		StationName:  p.stationName,
		Username:     p.s.username,
		ConnectionID: p.s.connectionID,
		ReqVersion:   reqVersion,
	})
	if err != nil {
		return err
	}
	if err := controlError("destroy producer", string(raw)); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	p.markDestroyed()
	p.s.removeProducer(p.key, p)
	logging.L().Info("memphis: producer destroyed", "station", p.stationName, "producer", p.name)
	return nil
}

func (p *Producer) markDestroyed() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
}

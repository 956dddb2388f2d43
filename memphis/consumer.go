package memphis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"memphisflow/internal/logging"
	"memphisflow/transport"
)

type consumerOptions struct {
	group         string
	pullInterval  time.Duration
	batchSize     int
	batchMaxWait  time.Duration
	maxAckTime    time.Duration
	maxDeliveries int
	startSequence int64
	lastMessages  int64
	partitions    []int
	randomSuffix  bool
}

func defaultConsumerOptions() consumerOptions {
	return consumerOptions{
		pullInterval:  time.Second,
		batchSize:     10,
		batchMaxWait:  5 * time.Second,
		maxAckTime:    30 * time.Second,
		maxDeliveries: 10,
		startSequence: 1,
		lastMessages:  -1,
	}
}

type ConsumerOption func(*consumerOptions)

// WithGroup names the consumer group. It defaults to the consumer name.
func WithGroup(g string) ConsumerOption {
	return func(o *consumerOptions) { o.group = g }
}

func WithPullInterval(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) { o.pullInterval = d }
}

func WithBatchSize(n int) ConsumerOption {
	return func(o *consumerOptions) { o.batchSize = n }
}

// WithBatchMaxWait bounds how long one Fetch waits on the network.
func WithBatchMaxWait(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) { o.batchMaxWait = d }
}

// WithMaxAckTime sets how long the broker waits for an ack before it
// redelivers.
func WithMaxAckTime(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) { o.maxAckTime = d }
}

func WithMaxDeliveries(n int) ConsumerOption {
	return func(o *consumerOptions) { o.maxDeliveries = n }
}

// WithStartSequence starts a new durable cursor at seq. It has no effect
// when the consumer group already exists broker-side.
func WithStartSequence(seq int64) ConsumerOption {
	return func(o *consumerOptions) { o.startSequence = seq }
}

// WithLastMessages starts a new durable cursor n messages before the head.
func WithLastMessages(n int64) ConsumerOption {
	return func(o *consumerOptions) { o.lastMessages = n }
}

func WithPartitions(p ...int) ConsumerOption {
	return func(o *consumerOptions) { o.partitions = p }
}

func WithConsumerRandomSuffix() ConsumerOption {
	return func(o *consumerOptions) { o.randomSuffix = true }
}

func (o *consumerOptions) validate() error {
	switch {
	case o.batchSize > MaxBatchSize:
		return newError(KindValidation, "consumer", fmt.Sprintf("batch size can not be greater than %d", MaxBatchSize))
	case o.startSequence <= 0:
		return newError(KindValidation, "consumer", "start_consume_from_sequence has to be a positive number")
	case o.lastMessages < -1:
		return newError(KindValidation, "consumer", "min value for last_messages is -1")
	case o.startSequence > 1 && o.lastMessages > -1:
		return newError(KindValidation, "consumer", "consumer creation options can't contain both start_consume_from_sequence and last_messages")
	}
	for _, p := range o.partitions {
		if p <= 0 {
			return newError(KindValidation, "consumer", fmt.Sprintf("invalid partition %d", p))
		}
	}
	return nil
}

// Consumer pulls from one station under one durable consumer group. A
// Consumer must not be driven from more than one goroutine.
type Consumer struct {
	s           *Session
	name        string
	group       string
	stationName string
	key         string
	opts        consumerOptions

	scheduler *PartitionScheduler
	dls       DeadLetterBuffer

	// mu guards the subscriptions against a concurrent Session.Close.
	mu        sync.Mutex
	pulls     map[int]transport.PullSubscription
	dlsSub    transport.Subscription
	destroyed bool
}

// Consumer registers a consumer with the broker, creating the durable
// cursor for its group if it does not exist yet.
func (s *Session) Consumer(ctx context.Context, stationName, name string, opts ...ConsumerOption) (*Consumer, error) {
	o := defaultConsumerOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if stationName == "" || name == "" {
		return nil, newError(KindValidation, "consumer", "station and consumer name are required")
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	realName := strings.ToLower(name)
	if o.randomSuffix {
		name = randomSuffix(name)
	}
	name = strings.ToLower(name)
	group := strings.ToLower(o.group)
	if group == "" {
		group = name
	}

	raw, err := s.request(ctx, subjConsumerCreate, createConsumerReq{
		Name:                     name,
		StationName:              stationName,
		ConnectionID:             s.connectionID,
		ConsumerType:             "application",
		ConsumersGroup:           group,
		MaxAckTimeMS:             o.maxAckTime.Milliseconds(),
		MaxMsgDeliveries:         o.maxDeliveries,
		StartConsumeFromSequence: o.startSequence,
		LastMessages:             o.lastMessages,
		ReqVersion:               reqVersion,
		Username:                 s.username,
	})
	if err != nil {
		return nil, err
	}
	if err := controlError("create consumer", string(raw)); err != nil {
		return nil, err
	}

	c := &Consumer{
		s:           s,
		name:        name,
		group:       group,
		stationName: strings.ToLower(stationName),
		key:         registryKey(stationName, realName),
		opts:        o,
		scheduler:   NewPartitionScheduler(o.partitions),
		pulls:       make(map[int]transport.PullSubscription),
	}

	sub, err := s.conn.Subscribe(deadLetterSubject(stationName, group), c.onDeadLetter)
	if err != nil {
		s.errSink.HandleError(fmt.Errorf("dead-letter subscription for %s: %w", c.key, err))
	} else {
		c.dlsSub = sub
	}

	if err := s.addConsumer(c.key, c); err != nil {
		c.release()
		return nil, err
	}
	logging.L().Info("memphis: consumer created",
		"station", stationName, "consumer", name, "group", group,
		"start_sequence", o.startSequence, "partitions", o.partitions)
	return c, nil
}

func (c *Consumer) Name() string            { return c.name }
func (c *Consumer) Group() string           { return c.group }
func (c *Consumer) Station() string         { return c.stationName }
func (c *Consumer) BatchSize() int          { return c.opts.batchSize }
func (c *Consumer) PendingDeadLetters() int { return c.dls.Len() }

func (c *Consumer) PullInterval() time.Duration { return c.opts.pullInterval }

func (c *Consumer) Partitions() []int {
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.Partitions()
}

func (c *Consumer) onDeadLetter(d transport.Delivery) {
	c.dls.Push(newMessage(d, c.group, true))
	deadLetters.WithLabelValues(c.stationName).Inc()
	logging.L().Warn("memphis: message exceeded max deliveries",
		"station", c.stationName, "group", c.group, "sequence", d.Sequence(), "deliveries", d.NumDelivered())
}

// Fetch returns up to batchSize messages. Buffered dead letters are served
// first without touching the network; otherwise one partition, chosen
// round-robin, is pulled once. A pull that times out yields an empty,
// non-nil slice.
func (c *Consumer) Fetch(ctx context.Context, batchSize int) ([]*Message, error) {
	if batchSize > MaxBatchSize {
		return nil, newError(KindValidation, "fetch", fmt.Sprintf("batch size can not be greater than %d", MaxBatchSize))
	}
	if batchSize <= 0 {
		return nil, newError(KindValidation, "fetch", "batch size has to be a positive number")
	}
	if c.s.isClosed() {
		return nil, ErrConnectionClosed
	}
	if c.isDestroyed() {
		return nil, ErrDestroyed
	}

	if c.dls.Len() > 0 {
		msgs := c.dls.Drain(batchSize)
		fetchedMessages.WithLabelValues(c.stationName).Add(float64(len(msgs)))
		return msgs, nil
	}

	partition := 0
	if c.scheduler != nil {
		partition = c.scheduler.Next()
	}
	sub, err := c.pullSubscription(partition)
	if err != nil {
		return nil, wrapError(KindFetch, "fetch", err)
	}

	deliveries, err := sub.Fetch(ctx, batchSize, c.opts.batchMaxWait)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return []*Message{}, nil
		}
		return nil, wrapError(KindFetch, "fetch", err)
	}
	msgs := make([]*Message, 0, len(deliveries))
	for _, d := range deliveries {
		msgs = append(msgs, newMessage(d, c.group, false))
	}
	fetchedMessages.WithLabelValues(c.stationName).Add(float64(len(msgs)))
	return msgs, nil
}

func (c *Consumer) pullSubscription(partition int) (transport.PullSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, transport.ErrConnectionClosed
	}
	if sub, ok := c.pulls[partition]; ok {
		return sub, nil
	}
	sub, err := c.s.conn.PullSubscribe(StationSubject(c.stationName, partition), InternalName(c.group))
	if err != nil {
		return nil, err
	}
	c.pulls[partition] = sub
	return sub, nil
}

// Destroy removes the consumer broker-side and drops it from the session.
// A consumer the broker no longer knows counts as destroyed.
func (c *Consumer) Destroy(ctx context.Context) error {
	if c.isDestroyed() {
		return nil
	}
	if err := c.s.destroyConsumer(ctx, c.stationName, c.name); err != nil {
		return err
	}
	c.release()
	c.s.removeConsumer(c.key, c)
	logging.L().Info("memphis: consumer destroyed", "station", c.stationName, "consumer", c.name)
	return nil
}

// DestroyConsumer removes a consumer identity broker-side without holding
// its handle. A live handle with that name on this session is released.
func (s *Session) DestroyConsumer(ctx context.Context, stationName, name string) error {
	name = strings.ToLower(name)
	if err := s.destroyConsumer(ctx, stationName, name); err != nil {
		return err
	}
	key := registryKey(stationName, name)
	s.mu.Lock()
	c := s.consumers[key]
	delete(s.consumers, key)
	s.mu.Unlock()
	if c != nil {
		c.release()
	}
	logging.L().Info("memphis: consumer identity destroyed", "station", stationName, "consumer", name)
	return nil
}

func (s *Session) destroyConsumer(ctx context.Context, stationName, name string) error {
	raw, err := s.request(ctx, subjConsumerDestroy, destroyReq{
		Name:         name,
		StationName:  stationName,
		Username:     s.username,
		ConnectionID: s.connectionID,
		ReqVersion:   reqVersion,
	})
	if err != nil {
		return err
	}
	if err := controlError("destroy consumer", string(raw)); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (c *Consumer) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// release drops every local resource: pull and dead-letter subscriptions
// and buffered dead letters.
func (c *Consumer) release() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	dlsSub := c.dlsSub
	pulls := c.pulls
	c.dlsSub = nil
	c.pulls = make(map[int]transport.PullSubscription)
	c.mu.Unlock()

	if dlsSub != nil {
		if err := dlsSub.Unsubscribe(); err != nil {
			c.s.errSink.HandleError(err)
		}
	}
	for _, sub := range pulls {
		if err := sub.Unsubscribe(); err != nil {
			c.s.errSink.HandleError(err)
		}
	}
	c.dls.Clear()
}

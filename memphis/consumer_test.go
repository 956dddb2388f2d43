package memphis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"memphisflow/memphis"
	"memphisflow/transport/memory"
)

func produceAll(t *testing.T, s *memphis.Session, station string, payloads ...string) {
	t.Helper()
	p, err := s.Producer(context.Background(), station, "seed", memphis.WithProducerRandomSuffix())
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	for _, v := range payloads {
		if err := p.Produce(context.Background(), []byte(v)); err != nil {
			t.Fatalf("Produce %q: %v", v, err)
		}
	}
}

func TestConsumer_FetchAndAck(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)
	produceAll(t, s, "orders", "a", "b", "c")

	c, err := s.Consumer(ctx, "orders", "c1", memphis.WithBatchMaxWait(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	msgs, err := c.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence() != uint64(i+1) || m.DeliveryCount() != 1 || m.DeadLetter() {
			t.Fatalf("message %d: seq=%d deliveries=%d dead=%v", i, m.Sequence(), m.DeliveryCount(), m.DeadLetter())
		}
		if err := m.Ack(); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}

	msgs, err = c.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch after drain: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("timed out fetch must return an empty non-nil slice, got %v", msgs)
	}
}

func TestConsumer_RedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)
	produceAll(t, s, "orders", "a")

	c, err := s.Consumer(ctx, "orders", "c1",
		memphis.WithMaxAckTime(10*time.Millisecond),
		memphis.WithBatchMaxWait(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	if msgs, err := c.Fetch(ctx, 1); err != nil || len(msgs) != 1 {
		t.Fatalf("first fetch: %v (%d msgs)", err, len(msgs))
	}
	time.Sleep(20 * time.Millisecond)
	msgs, err := c.Fetch(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("redelivery fetch: %v (%d msgs)", err, len(msgs))
	}
	if msgs[0].DeliveryCount() != 2 {
		t.Fatalf("want delivery count 2, got %d", msgs[0].DeliveryCount())
	}
}

func TestConsumer_BatchLimit(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	if _, err := s.Consumer(ctx, "orders", "big", memphis.WithBatchSize(memphis.MaxBatchSize+1)); !errors.Is(err, memphis.ErrValidation) {
		t.Fatalf("consumer with oversize batch: want ErrValidation, got %v", err)
	}

	c, err := s.Consumer(ctx, "orders", "c1")
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	before := b.Stats().Fetches
	if _, err := c.Fetch(ctx, memphis.MaxBatchSize+1); !errors.Is(err, memphis.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
	if b.Stats().Fetches != before {
		t.Fatalf("oversize fetch reached the broker")
	}
}

func TestConsumer_StartOptionsConflict(t *testing.T) {
	s := connect(t, memory.NewBroker())
	_, err := s.Consumer(context.Background(), "orders", "c1",
		memphis.WithStartSequence(5), memphis.WithLastMessages(2))
	if !errors.Is(err, memphis.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
	_, err = s.Consumer(context.Background(), "orders", "c1", memphis.WithStartSequence(0))
	if !errors.Is(err, memphis.ErrValidation) {
		t.Fatalf("want ErrValidation for zero start, got %v", err)
	}
}

func TestConsumer_StartSequence(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)
	produceAll(t, s, "orders", "a", "b", "c", "d")

	c, err := s.Consumer(ctx, "orders", "c1",
		memphis.WithStartSequence(3), memphis.WithBatchMaxWait(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	msgs, err := c.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0].Data()) != "c" {
		t.Fatalf("want [c d], got %d messages", len(msgs))
	}
}

func TestConsumer_DeadLettersServedFirst(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)
	produceAll(t, s, "orders", "a", "b", "c")

	c, err := s.Consumer(ctx, "orders", "c1",
		memphis.WithGroup("billing"),
		memphis.WithMaxAckTime(10*time.Millisecond),
		memphis.WithMaxDeliveries(1),
		memphis.WithBatchMaxWait(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	if msgs, err := c.Fetch(ctx, 10); err != nil || len(msgs) != 3 {
		t.Fatalf("first fetch: %v (%d msgs)", err, len(msgs))
	}
	time.Sleep(20 * time.Millisecond)

	// the next pull finds all three out of deliveries and routes them
	// to the group's dead-letter subject
	if _, err := c.Fetch(ctx, 10); err != nil {
		t.Fatalf("routing fetch: %v", err)
	}
	if c.PendingDeadLetters() != 3 {
		t.Fatalf("want 3 buffered dead letters, got %d", c.PendingDeadLetters())
	}

	before := b.Stats()
	msgs, err := c.Fetch(ctx, 2)
	if err != nil {
		t.Fatalf("dead-letter fetch: %v", err)
	}
	if len(msgs) != 2 || !msgs[0].DeadLetter() || string(msgs[0].Data()) != "a" || string(msgs[1].Data()) != "b" {
		t.Fatalf("unexpected dead-letter batch: %d msgs", len(msgs))
	}
	if c.PendingDeadLetters() != 1 {
		t.Fatalf("want 1 remaining, got %d", c.PendingDeadLetters())
	}
	if b.Stats() != before {
		t.Fatalf("dead-letter fetch touched the broker: %+v -> %+v", before, b.Stats())
	}
}

func TestConsumer_PartitionRoundRobin(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	b.CreateStation("orders", 3)
	s := connect(t, b)
	produceAll(t, s, "orders", "a", "b", "c", "d", "e", "f")

	c, err := s.Consumer(ctx, "orders", "c1",
		memphis.WithPartitions(1, 2, 3), memphis.WithBatchMaxWait(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	for _, want := range []string{"ad", "be", "cf"} {
		msgs, err := c.Fetch(ctx, 10)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		got := ""
		for _, m := range msgs {
			got += string(m.Data())
		}
		if got != want {
			t.Fatalf("want %q from next partition, got %q", want, got)
		}
	}
}

func TestConsumer_DestroyRemovesGroup(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	c1, err := s.Consumer(ctx, "orders", "c1", memphis.WithGroup("g"))
	if err != nil {
		t.Fatalf("Consumer c1: %v", err)
	}
	c2, err := s.Consumer(ctx, "orders", "c2", memphis.WithGroup("g"))
	if err != nil {
		t.Fatalf("Consumer c2: %v", err)
	}
	if err := c1.Destroy(ctx); err != nil {
		t.Fatalf("Destroy c1: %v", err)
	}
	if !b.HasConsumerGroup("orders", "g") {
		t.Fatalf("group dropped while a member remains")
	}
	if err := c2.Destroy(ctx); err != nil {
		t.Fatalf("Destroy c2: %v", err)
	}
	if b.HasConsumerGroup("orders", "g") {
		t.Fatalf("group survived its last member")
	}
	if err := c2.Destroy(ctx); err != nil {
		t.Fatalf("repeated Destroy: %v", err)
	}
	if _, err := c2.Fetch(ctx, 1); !errors.Is(err, memphis.ErrDestroyed) {
		t.Fatalf("fetch after destroy: %v", err)
	}
}

func TestConsumer_DestroyUnknownStation(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	c, err := s.Consumer(ctx, "orders", "c1")
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	b.DeleteStation("orders")
	if err := c.Destroy(ctx); err != nil {
		t.Fatalf("destroying a consumer the broker forgot must succeed, got %v", err)
	}
	if s.Consumers() != 0 {
		t.Fatalf("consumer still registered")
	}
}

func TestSession_DestroyConsumerIdentity(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	c, err := s.Consumer(ctx, "orders", "Worker")
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	if err := s.DestroyConsumer(ctx, "orders", "Worker"); err != nil {
		t.Fatalf("DestroyConsumer: %v", err)
	}
	if b.HasConsumerGroup("orders", "worker") {
		t.Fatalf("durable cursor survived")
	}
	if s.Consumers() != 0 {
		t.Fatalf("handle still registered")
	}
	if _, err := c.Fetch(ctx, 1); !errors.Is(err, memphis.ErrDestroyed) {
		t.Fatalf("released handle should fail fast, got %v", err)
	}
	if err := s.DestroyConsumer(ctx, "orders", "ghost"); err != nil {
		t.Fatalf("unknown identity must be a no-op, got %v", err)
	}
}

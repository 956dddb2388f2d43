package memphis_test

import (
	"context"
	"errors"
	"testing"

	"memphisflow/memphis"
	"memphisflow/transport/memory"
)

func TestProducer_IdentityHeadersWin(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	p, err := s.Producer(ctx, "Orders", "Checkout")
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	err = p.Produce(ctx, []byte("hello"), memphis.WithHeaders(map[string]string{
		memphis.HeaderProducedBy:   "spoofed",
		memphis.HeaderConnectionID: "spoofed",
		"trace":                    "abc",
	}))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	msgs := b.Published("orders.final")
	if len(msgs) != 1 {
		t.Fatalf("want 1 stored message, got %d", len(msgs))
	}
	h := msgs[0].Header
	if h[memphis.HeaderProducedBy] != "checkout" {
		t.Fatalf("producedBy header: %q", h[memphis.HeaderProducedBy])
	}
	if h[memphis.HeaderConnectionID] != s.ConnectionID() {
		t.Fatalf("connection id header: %q", h[memphis.HeaderConnectionID])
	}
	if h["trace"] != "abc" || string(msgs[0].Data) != "hello" {
		t.Fatalf("caller payload lost: %+v", msgs[0])
	}
}

func TestProducer_MsgIDDeduplicates(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	p, err := s.Producer(ctx, "orders", "p1")
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Produce(ctx, []byte("once"), memphis.WithMsgID("order-42")); err != nil {
			t.Fatalf("Produce #%d: %v", i, err)
		}
	}
	if got := len(b.Published("orders.final")); got != 1 {
		t.Fatalf("want 1 stored message after dedup, got %d", got)
	}
}

func TestProducer_StationGone(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	p, err := s.Producer(ctx, "orders", "p1")
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	b.DeleteStation("orders")

	err = p.Produce(ctx, []byte("x"))
	if !errors.Is(err, memphis.ErrPublishUnavailable) {
		t.Fatalf("want ErrPublishUnavailable, got %v", err)
	}
	if !errors.Is(err, memphis.ErrPublish) {
		t.Fatalf("unavailable should also be a publish error")
	}

	if err := p.Produce(ctx, []byte("x"), memphis.Async()); err != nil {
		t.Fatalf("async produce reports transport-level acceptance only, got %v", err)
	}
}

func TestProducer_PartitionRoundRobin(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	b.CreateStation("orders", 3)
	s := connect(t, b)

	p, err := s.Producer(ctx, "orders", "p1")
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := p.Produce(ctx, []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Produce: %v", err)
		}
	}
	for part, want := range map[string]string{
		"orders$1.final": "ad",
		"orders$2.final": "be",
		"orders$3.final": "cf",
	} {
		msgs := b.Published(part)
		got := ""
		for _, m := range msgs {
			got += string(m.Data)
		}
		if got != want {
			t.Fatalf("%s: want %q, got %q", part, want, got)
		}
	}
}

func TestProducer_DestroyIdempotent(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	p, err := s.Producer(ctx, "orders", "p1")
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	if err := p.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := p.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy must succeed, got %v", err)
	}
	if s.Producers() != 0 {
		t.Fatalf("producer still registered")
	}
	if err := p.Produce(ctx, []byte("x")); !errors.Is(err, memphis.ErrDestroyed) {
		t.Fatalf("want ErrDestroyed, got %v", err)
	}
}

func TestProducer_Validation(t *testing.T) {
	s := connect(t, memory.NewBroker())
	if _, err := s.Producer(context.Background(), "", "p"); !errors.Is(err, memphis.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

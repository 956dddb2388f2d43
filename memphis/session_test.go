package memphis_test

import (
	"context"
	"errors"
	"testing"

	"memphisflow/memphis"
	"memphisflow/transport/memory"
)

func connect(t *testing.T, b *memory.Broker) *memphis.Session {
	t.Helper()
	s, err := memphis.Connect(context.Background(),
		memphis.Config{Host: "localhost", Username: "root", Password: "memphis"},
		memphis.WithDialer(b.Dial))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnect_AccountScopedUser(t *testing.T) {
	b := memory.NewBroker(memory.WithUser("root$1", "memphis"))
	s := connect(t, b)
	if got := b.LastDial().User; got != "root$1" {
		t.Fatalf("want account scoped login, got %q", got)
	}
	if got := b.LastDial().Name; got != s.ConnectionID()+"::root" {
		t.Fatalf("unexpected connection name %q", got)
	}
}

func TestConnect_FallsBackToPlainUser(t *testing.T) {
	b := memory.NewBroker(memory.WithUser("root", "memphis"))
	connect(t, b)
	if got := b.LastDial().User; got != "root" {
		t.Fatalf("want fallback to plain username, got %q", got)
	}
}

func TestConnect_BadPassword(t *testing.T) {
	b := memory.NewBroker(memory.WithUser("root", "other"))
	_, err := memphis.Connect(context.Background(),
		memphis.Config{Host: "localhost", Username: "root", Password: "memphis"},
		memphis.WithDialer(b.Dial))
	if !errors.Is(err, memphis.ErrConnection) {
		t.Fatalf("want ErrConnection, got %v", err)
	}
}

func TestConnect_Token(t *testing.T) {
	b := memory.NewBroker(memory.WithToken("secret"))
	s, err := memphis.Connect(context.Background(),
		memphis.Config{Host: "localhost", Username: "root", ConnectionToken: "secret"},
		memphis.WithDialer(b.Dial))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()
	if d := b.LastDial(); d.User != "" || d.Token != "secret" {
		t.Fatalf("token login sent user=%q token=%q", d.User, d.Token)
	}
}

func TestSession_CloseFailsHandles(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	p, err := s.Producer(ctx, "orders", "p1")
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	c, err := s.Consumer(ctx, "orders", "c1")
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	if s.Producers() != 1 || s.Consumers() != 1 {
		t.Fatalf("registries: producers=%d consumers=%d", s.Producers(), s.Consumers())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Producers() != 0 || s.Consumers() != 0 {
		t.Fatalf("registries not cleared on close")
	}
	if err := p.Produce(ctx, []byte("x")); !errors.Is(err, memphis.ErrConnectionClosed) {
		t.Fatalf("produce after close: %v", err)
	}
	if _, err := c.Fetch(ctx, 1); !errors.Is(err, memphis.ErrConnectionClosed) {
		t.Fatalf("fetch after close: %v", err)
	}
	if _, err := s.Producer(ctx, "orders", "p2"); !errors.Is(err, memphis.ErrConnectionClosed) {
		t.Fatalf("producer after close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

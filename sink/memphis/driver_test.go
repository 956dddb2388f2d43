package memphis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"memphisflow/frame"
	client "memphisflow/memphis"
	"memphisflow/transport/memory"
)

func connect(t *testing.T, b *memory.Broker) *client.Session {
	t.Helper()
	s, err := client.Connect(context.Background(),
		client.Config{Host: "localhost", Username: "root", Password: "memphis"},
		client.WithDialer(b.Dial))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func configured(t *testing.T, s *client.Session) *driver {
	t.Helper()
	d := &driver{}
	if err := Apply(d, WithSession(s)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := d.Configure(Config{Station: "mirror", Producer: "flow", Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return d
}

func TestOutput_ProducerPerWorker(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	s := connect(t, b)

	out := Output{Session: s, Station: "mirror", Producer: "flow"}
	w, err := out.Build(ctx, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if w.Producer().Name() != "flow_3" {
		t.Fatalf("producer name %q", w.Producer().Name())
	}
	if err := w.Write(ctx, Item{Payload: []byte("a")}, Item{Payload: []byte("b"), MsgID: "b"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msgs := b.Published("mirror.final")
	if len(msgs) != 2 || msgs[1].Header[client.HeaderMsgID] != "b" {
		t.Fatalf("stored %+v", msgs)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(ctx, Item{Payload: []byte("c")}); !errors.Is(err, client.ErrDestroyed) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestDriver_AcksAfterProduce(t *testing.T) {
	b := memory.NewBroker()
	s := connect(t, b)
	d := configured(t, s)

	var acked []uint64
	d.BindAck(func(cp *frame.Checkpoint) { acked = append(acked, cp.Sequence) })

	f := &frame.Frame{
		Key:        []byte("order-1"),
		Value:      []byte("payload"),
		Headers:    map[string][]byte{"trace": []byte("t1")},
		Checkpoint: &frame.Checkpoint{Station: "orders", Sequence: 7},
	}
	if err := d.Push(f); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(acked) != 1 || acked[0] != 7 {
		t.Fatalf("acks %v", acked)
	}
	msgs := b.Published("mirror.final")
	if len(msgs) != 1 {
		t.Fatalf("want 1 stored message, got %d", len(msgs))
	}
	h := msgs[0].Header
	if h["trace"] != "t1" || h[client.HeaderMsgID] != "order-1" || h[client.HeaderProducedBy] != "flow_0" {
		t.Fatalf("headers %v", h)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Push(f); err == nil {
		t.Fatal("push after close must fail")
	}
}

func TestDriver_NoAckOnFailedProduce(t *testing.T) {
	b := memory.NewBroker()
	s := connect(t, b)
	d := configured(t, s)

	acked := 0
	d.BindAck(func(*frame.Checkpoint) { acked++ })
	b.DeleteStation("mirror")

	err := d.Push(&frame.Frame{Value: []byte("x"), Checkpoint: &frame.Checkpoint{Sequence: 1}})
	if !errors.Is(err, client.ErrPublishUnavailable) {
		t.Fatalf("want ErrPublishUnavailable, got %v", err)
	}
	if acked != 0 {
		t.Fatalf("failed produce acked %d frames", acked)
	}
}

func TestApply_RejectsForeignAdapter(t *testing.T) {
	if err := Apply(nil); err == nil {
		t.Fatal("expected error for a non-memphis adapter")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sink.yaml")
	yml := "schema_version: v1\nstation: mirror\nconnection:\n  host: localhost\n  username: root\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEMPHISFLOW_MEMPHIS_SINK__CONNECTION__PASSWORD", "secret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Station != "mirror" || cfg.Producer != "memphisflow" {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.Connection.Password != "secret" || cfg.Connection.Host != "localhost" {
		t.Fatalf("connection %+v", cfg.Connection)
	}
	if cfg.Timeout == 0 {
		t.Fatal("timeout default not applied")
	}
}

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"memphisflow/transport"
)

func dial(t *testing.T, b *Broker) transport.Conn {
	t.Helper()
	c, err := b.Dial(context.Background(), transport.DialOptions{User: "root"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func createConsumer(t *testing.T, c transport.Conn, station, name string, maxAck time.Duration, maxDeliveries int) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"name":                        name,
		"station_name":                station,
		"consumers_group":             name,
		"max_ack_time_ms":             maxAck.Milliseconds(),
		"max_msg_deliveries":          maxDeliveries,
		"start_consume_from_sequence": 1,
		"last_messages":               -1,
	})
	resp, err := c.Request(context.Background(), subjConsumerCreate, body)
	if err != nil || len(resp) != 0 {
		t.Fatalf("create consumer: %q, %v", resp, err)
	}
}

func publish(t *testing.T, c transport.Conn, subject string, data string, header map[string]string) {
	t.Helper()
	if err := c.Publish(context.Background(), &transport.OutMsg{Subject: subject, Data: []byte(data), Header: header}, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestBroker_PublishFetchAck(t *testing.T) {
	b := NewBroker()
	b.CreateStation("orders", 0)
	c := dial(t, b)
	createConsumer(t, c, "orders", "g", time.Minute, 10)

	publish(t, c, "orders.final", "a", nil)
	publish(t, c, "orders.final", "b", nil)

	sub, err := c.PullSubscribe("orders.final", "g")
	if err != nil {
		t.Fatalf("PullSubscribe: %v", err)
	}
	ds, err := sub.Fetch(context.Background(), 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(ds) != 2 || ds[0].Sequence() != 1 || string(ds[1].Data()) != "b" {
		t.Fatalf("unexpected deliveries %+v", ds)
	}
	for _, d := range ds {
		if err := d.Ack(); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if _, err := sub.Fetch(context.Background(), 10, 20*time.Millisecond); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("want ErrTimeout once drained, got %v", err)
	}
}

func TestBroker_RedeliveryThenDeadLetter(t *testing.T) {
	b := NewBroker()
	b.CreateStation("orders", 0)
	c := dial(t, b)
	createConsumer(t, c, "orders", "g", time.Millisecond, 2)

	dead := make(chan transport.Delivery, 1)
	if _, err := c.Subscribe(dlsPrefix+"orders_g", func(d transport.Delivery) { dead <- d }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	publish(t, c, "orders.final", "poison", nil)

	sub, _ := c.PullSubscribe("orders.final", "g")
	for want := uint64(1); want <= 2; want++ {
		ds, err := sub.Fetch(context.Background(), 1, time.Second)
		if err != nil {
			t.Fatalf("Fetch #%d: %v", want, err)
		}
		if ds[0].NumDelivered() != want {
			t.Fatalf("delivery count %d, want %d", ds[0].NumDelivered(), want)
		}
		time.Sleep(3 * time.Millisecond)
	}
	// third pull finds the message exhausted and routes it away
	if _, err := sub.Fetch(context.Background(), 1, 20*time.Millisecond); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	select {
	case d := <-dead:
		if string(d.Data()) != "poison" {
			t.Fatalf("dead letter payload %q", d.Data())
		}
	case <-time.After(time.Second):
		t.Fatal("no dead letter routed")
	}
}

func TestBroker_MsgIDDedup(t *testing.T) {
	b := NewBroker()
	b.CreateStation("orders", 0)
	c := dial(t, b)
	h := map[string]string{msgIDHeader: "x"}
	publish(t, c, "orders.final", "1", h)
	publish(t, c, "orders.final", "2", h)
	if got := len(b.Published("orders.final")); got != 1 {
		t.Fatalf("want 1 stored message, got %d", got)
	}
}

func TestBroker_PartitionedStation(t *testing.T) {
	b := NewBroker()
	b.CreateStation("orders", 2)
	c := dial(t, b)
	publish(t, c, "orders$2.final", "p2", nil)
	if len(b.Published("orders$2.final")) != 1 || len(b.Published("orders$1.final")) != 0 {
		t.Fatal("message stored on the wrong partition")
	}
	if err := c.Publish(context.Background(), &transport.OutMsg{Subject: "orders.final"}, false); !errors.Is(err, transport.ErrNoResponders) {
		t.Fatalf("unpartitioned subject on a partitioned station: %v", err)
	}
}

func TestBroker_DestroyLastMemberDropsGroup(t *testing.T) {
	b := NewBroker()
	c := dial(t, b)
	createConsumer(t, c, "orders", "g", time.Minute, 10)
	if !b.HasConsumerGroup("orders", "g") {
		t.Fatal("group not created")
	}
	body, _ := json.Marshal(map[string]any{"name": "g", "station_name": "orders"})
	if resp, err := c.Request(context.Background(), subjConsumerDestroy, body); err != nil || len(resp) != 0 {
		t.Fatalf("destroy: %q, %v", resp, err)
	}
	if b.HasConsumerGroup("orders", "g") {
		t.Fatal("group survived its last member")
	}
	resp, _ := c.Request(context.Background(), subjConsumerDestroy, body)
	if string(resp) == "" {
		t.Fatal("second destroy should report not exist")
	}
}

func TestBroker_Auth(t *testing.T) {
	b := NewBroker(WithUser("root$1", "pw"))
	if _, err := b.Dial(context.Background(), transport.DialOptions{User: "root", Password: "pw"}); !errors.Is(err, transport.ErrAuthorization) {
		t.Fatalf("want ErrAuthorization, got %v", err)
	}
	if _, err := b.Dial(context.Background(), transport.DialOptions{User: "root$1", Password: "pw"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if b.LastDial().User != "root$1" {
		t.Fatalf("LastDial %+v", b.LastDial())
	}
}

func TestConn_ClosedCallsFail(t *testing.T) {
	b := NewBroker()
	c, _ := b.Dial(context.Background(), transport.DialOptions{})
	_ = c.Close()
	if _, err := c.Request(context.Background(), subjProducerCreate, nil); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("want ErrConnectionClosed, got %v", err)
	}
}

package kafka

import (
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"google.golang.org/protobuf/types/known/timestamppb"

	"memphisflow/frame"
)

type acks struct {
	mu  sync.Mutex
	got []uint64
}

func (a *acks) add(cp *frame.Checkpoint) {
	a.mu.Lock()
	a.got = append(a.got, cp.Sequence)
	a.mu.Unlock()
}

func (a *acks) snapshot() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.got...)
}

func mockDriver(t *testing.T, expect func(*mocks.AsyncProducer)) *saramaDriver {
	t.Helper()
	d := newSaramaDriver()
	d.newProducer = func(_ []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
		mp := mocks.NewAsyncProducer(t, sc)
		expect(mp)
		return mp, nil
	}
	if err := d.Configure(Config{Brokers: []string{"localhost:9092"}, Topic: "orders", Acks: -1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return d
}

func testFrame(seq uint64) *frame.Frame {
	return &frame.Frame{
		Key:        []byte("k"),
		Value:      []byte("v"),
		Headers:    map[string][]byte{"b": []byte("2"), "a": []byte("1")},
		Checkpoint: &frame.Checkpoint{Station: "orders", Sequence: seq},
	}
}

func TestSarama_AcksOnSuccess(t *testing.T) {
	d := mockDriver(t, func(mp *mocks.AsyncProducer) {
		mp.ExpectInputAndSucceed()
		mp.ExpectInputAndSucceed()
	})
	a := &acks{}
	d.BindAck(a.add)

	for seq := uint64(1); seq <= 2; seq++ {
		if err := d.Push(testFrame(seq)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := a.snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("want acks [1 2], got %v", got)
	}
}

func TestSarama_NoAckOnFailure(t *testing.T) {
	d := mockDriver(t, func(mp *mocks.AsyncProducer) {
		mp.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	})
	a := &acks{}
	d.BindAck(a.add)

	if err := d.Push(testFrame(1)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := a.snapshot(); len(got) != 0 {
		t.Fatalf("failed produce must not ack, got %v", got)
	}
}

func TestSarama_MessageShape(t *testing.T) {
	var seen *sarama.ProducerMessage
	d := mockDriver(t, func(mp *mocks.AsyncProducer) {
		mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
			seen = m
			return nil
		})
	})
	f := testFrame(1)
	f.Ts = timestamppb.New(time.Unix(1700000000, 0))
	if err := d.Push(f); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if seen == nil {
		t.Fatal("message never reached the producer")
	}
	if seen.Topic != "orders" {
		t.Fatalf("topic %q", seen.Topic)
	}
	if len(seen.Headers) != 2 || string(seen.Headers[0].Key) != "a" {
		t.Fatalf("headers %v", seen.Headers)
	}
	if !seen.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp %v", seen.Timestamp)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"ok", Config{Brokers: []string{"b"}, Topic: "t", Acks: 1}, true},
		{"no brokers", Config{Topic: "t"}, false},
		{"no topic", Config{Brokers: []string{"b"}}, false},
		{"bad acks", Config{Brokers: []string{"b"}, Topic: "t", Acks: 2}, false},
	}
	for _, tc := range cases {
		if err := tc.cfg.validate(); (err == nil) != tc.ok {
			t.Fatalf("%s: validate() = %v", tc.name, err)
		}
	}
}

func TestToRecord(t *testing.T) {
	r := toRecord(testFrame(3))
	if string(r.Key) != "k" || string(r.Value) != "v" {
		t.Fatalf("record %+v", r)
	}
	if len(r.Headers) != 2 || r.Headers[1].Key != "b" {
		t.Fatalf("headers %v", r.Headers)
	}
	if !r.Timestamp.IsZero() {
		t.Fatal("timestamp set without a frame timestamp")
	}
}

package memphis

import (
	"time"

	"memphisflow/transport"
)

// Message is one delivered record. Acknowledgement is the caller's job:
// until Ack is called the broker keeps redelivery responsibility.
type Message struct {
	d     transport.Delivery
	group string
	dead  bool
}

func newMessage(d transport.Delivery, group string, dead bool) *Message {
	return &Message{d: d, group: group, dead: dead}
}

func (m *Message) Data() []byte               { return m.d.Data() }
func (m *Message) Headers() map[string]string { return m.d.Header() }
func (m *Message) Sequence() uint64           { return m.d.Sequence() }
func (m *Message) DeliveryCount() uint64      { return m.d.NumDelivered() }
func (m *Message) Timestamp() time.Time       { return m.d.Timestamp() }

// DeadLetter reports whether the message came out of the dead-letter
// buffer rather than a regular pull.
func (m *Message) DeadLetter() bool { return m.dead }

func (m *Message) Ack() error {
	if err := m.d.Ack(); err != nil {
		return wrapError(KindFetch, "ack", err)
	}
	return nil
}

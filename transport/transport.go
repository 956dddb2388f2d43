// Package transport defines the boundary between the memphis client and the
// wire. A Conn carries the control channel (request/reply), background
// subscriptions, durable pull subscriptions and publishes.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when no response or message arrived in time.
	ErrTimeout = errors.New("transport: timeout")
	// ErrNoResponders signals a "service unavailable" reply: nothing is
	// listening on the subject (deleted station, unknown stream).
	ErrNoResponders = errors.New("transport: no responders")
	// ErrConnectionClosed is returned for any call on a closed Conn.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrAuthorization is returned by a Dialer when the server rejected the
	// supplied credentials.
	ErrAuthorization = errors.New("transport: authorization violation")
)

// Delivery is one message handed out by a pull subscription or a
// background subscription.
type Delivery interface {
	Subject() string
	Data() []byte
	Header() map[string]string
	// Sequence is the stream sequence number; zero for core messages.
	Sequence() uint64
	// NumDelivered counts delivery attempts, starting at 1.
	NumDelivered() uint64
	Timestamp() time.Time
	Ack() error
}

// OutMsg is a message to publish.
type OutMsg struct {
	Subject string
	Data    []byte
	Header  map[string]string
	// AckWait bounds the wait for a broker ack on synchronous publishes.
	AckWait time.Duration
}

type Subscription interface {
	Unsubscribe() error
}

type PullSubscription interface {
	// Fetch waits up to maxWait for at most batch messages. It returns
	// ErrTimeout when nothing arrived.
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Delivery, error)
	Unsubscribe() error
}

type Conn interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(subject string, handler func(Delivery)) (Subscription, error)
	PullSubscribe(subject, durable string) (PullSubscription, error)
	// Publish sends msg. When async is set it returns once the message is
	// handed off, without waiting for the broker ack.
	Publish(ctx context.Context, msg *OutMsg, async bool) error
	Close() error
}

// DialOptions carries everything a Dialer needs to open a Conn.
type DialOptions struct {
	URL      string
	Name     string
	User     string
	Password string
	Token    string

	CertFile string
	KeyFile  string
	CAFile   string

	Reconnect     bool
	MaxReconnect  int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// OnAsyncError receives errors raised outside of a call (reconnect
	// failures, slow consumers, async publish failures).
	OnAsyncError func(error)
}

type Dialer func(ctx context.Context, opts DialOptions) (Conn, error)

// Package memphis is a client for Memphis stations: durable, partitioned
// logs served over NATS JetStream. A Session owns the connection and hands
// out Producers and Consumers; Consumers pull in batches, acknowledge per
// message and drain a local dead-letter buffer ahead of the network.
package memphis

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"memphisflow/internal/logging"
	"memphisflow/transport"
	natstransport "memphisflow/transport/nats"
)

type sessionOptions struct {
	dialer         transport.Dialer
	errSink        ErrorSink
	controlTimeout time.Duration
}

type SessionOption func(*sessionOptions)

// WithDialer replaces the NATS dialer, e.g. with an in-memory broker.
func WithDialer(d transport.Dialer) SessionOption {
	return func(o *sessionOptions) { o.dialer = d }
}

func WithErrorSink(s ErrorSink) SessionOption {
	return func(o *sessionOptions) { o.errSink = s }
}

func WithControlTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.controlTimeout = d }
}

// Session is the BrokerSession: one shared transport connection plus the
// registries of live Producers and Consumers created from it.
type Session struct {
	conn           transport.Conn
	connectionID   string
	username       string
	errSink        ErrorSink
	controlTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
}

// Connect validates cfg, dials the broker and returns a live Session.
// Password logins authenticate as "<username>$<account_id>" and fall back
// once to the bare username when the server rejects that form.
func Connect(ctx context.Context, cfg Config, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{
		dialer:         natstransport.Dial,
		errSink:        NopErrorSink{},
		controlTimeout: defaultControlTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.errSink == nil {
		o.errSink = NopErrorSink{}
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connectionID := uuid.New().String()
	dopts := transport.DialOptions{
		URL:           cfg.url(),
		Name:          connectionID + "::" + cfg.Username,
		Token:         cfg.ConnectionToken,
		Password:      cfg.Password,
		CertFile:      cfg.CertFile,
		KeyFile:       cfg.KeyFile,
		CAFile:        cfg.CAFile,
		Reconnect:     !cfg.NoReconnect,
		MaxReconnect:  cfg.MaxReconnect,
		ReconnectWait: cfg.ReconnectInterval,
		Timeout:       cfg.Timeout,
		OnAsyncError:  o.errSink.HandleError,
	}
	if cfg.ConnectionToken == "" {
		dopts.User = cfg.Username + "$" + strconv.Itoa(cfg.AccountID)
	}

	conn, err := o.dialer(ctx, dopts)
	if err != nil && cfg.ConnectionToken == "" && errors.Is(err, transport.ErrAuthorization) {
		logging.L().Debug("memphis: retrying login with plain username", "username", cfg.Username)
		dopts.User = cfg.Username
		conn, err = o.dialer(ctx, dopts)
	}
	if err != nil {
		return nil, &Error{Kind: KindConnection, Op: "connect", Err: err}
	}

	logging.L().Info("memphis: connected", "url", dopts.URL, "connection_id", connectionID)
	return &Session{
		conn:           conn,
		connectionID:   connectionID,
		username:       cfg.Username,
		errSink:        o.errSink,
		controlTimeout: o.controlTimeout,
		producers:      make(map[string]*Producer),
		consumers:      make(map[string]*Consumer),
	}, nil
}

func (s *Session) ConnectionID() string { return s.connectionID }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down every subscription, forgets all Producers and Consumers
// and closes the transport. It does not destroy anything broker-side.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[string]*Consumer)
	s.producers = make(map[string]*Producer)
	s.mu.Unlock()

	for _, c := range consumers {
		c.release()
	}
	err := s.conn.Close()
	logging.L().Info("memphis: session closed", "connection_id", s.connectionID, "consumers", len(consumers))
	return err
}

/*──────── registries ───────*/

func (s *Session) addProducer(key string, p *Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	s.producers[key] = p
	return nil
}

func (s *Session) removeProducer(key string, p *Producer) {
	s.mu.Lock()
	if s.producers[key] == p {
		delete(s.producers, key)
	}
	s.mu.Unlock()
}

func (s *Session) addConsumer(key string, c *Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	s.consumers[key] = c
	return nil
}

func (s *Session) removeConsumer(key string, c *Consumer) {
	s.mu.Lock()
	if s.consumers[key] == c {
		delete(s.consumers, key)
	}
	s.mu.Unlock()
}

// Producers and Consumers report registry sizes.
func (s *Session) Producers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.producers)
}

func (s *Session) Consumers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

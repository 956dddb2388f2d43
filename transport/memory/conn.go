package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"memphisflow/transport"
)

type conn struct {
	b *Broker

	once   sync.Once
	closed chan struct{}
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if c.isClosed() {
		return nil, transport.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.ErrTimeout
		}
		return nil, err
	}
	c.b.requests.Add(1)
	resp, ok := c.b.handleControl(subject, data)
	if !ok {
		return nil, transport.ErrNoResponders
	}
	return resp, nil
}

func (c *conn) Subscribe(subject string, handler func(transport.Delivery)) (transport.Subscription, error) {
	if c.isClosed() {
		return nil, transport.ErrConnectionClosed
	}
	s := &coreSub{conn: c, subject: subject, handler: handler}
	c.b.mu.Lock()
	c.b.subs[subject] = append(c.b.subs[subject], s)
	c.b.mu.Unlock()
	return &subscription{b: c.b, sub: s}, nil
}

func (c *conn) PullSubscribe(subject, durable string) (transport.PullSubscription, error) {
	if c.isClosed() {
		return nil, transport.ErrConnectionClosed
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, ok := c.b.streams[subject]; !ok {
		return nil, transport.ErrNoResponders
	}
	return &pullSub{c: c, subject: subject, durable: durable}, nil
}

func (c *conn) Publish(ctx context.Context, msg *transport.OutMsg, async bool) error {
	if c.isClosed() {
		return transport.ErrConnectionClosed
	}
	if !async {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	c.b.publishes.Add(1)
	if c.b.publish(msg) {
		return nil
	}
	d := &delivery{subject: msg.Subject, msg: &stored{data: msg.Data, header: copyHeader(msg.Header), ts: time.Now()}, delivered: 1}
	if c.b.deliverCore(msg.Subject, d) || async {
		return nil
	}
	return transport.ErrNoResponders
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.b.mu.Lock()
		for subj, subs := range c.b.subs {
			kept := subs[:0]
			for _, s := range subs {
				if s.conn != c {
					kept = append(kept, s)
				}
			}
			c.b.subs[subj] = kept
		}
		c.b.mu.Unlock()
	})
	return nil
}

type subscription struct {
	b   *Broker
	sub *coreSub
}

func (s *subscription) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	subs := s.b.subs[s.sub.subject]
	for i, x := range subs {
		if x == s.sub {
			s.b.subs[s.sub.subject] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return nil
}

type pullSub struct {
	c       *conn
	subject string
	durable string

	mu     sync.Mutex
	closed bool
}

func (p *pullSub) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]transport.Delivery, error) {
	p.c.b.fetches.Add(1)
	var expire <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		expire = t.C
	}
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		p.mu.Lock()
		unsubscribed := p.closed
		p.mu.Unlock()
		if unsubscribed || p.c.isClosed() {
			return nil, transport.ErrConnectionClosed
		}

		p.c.b.mu.Lock()
		wake := p.c.b.notify
		p.c.b.mu.Unlock()

		out, dead, dls, err := p.c.b.collect(p.subject, p.durable, batch)
		if err != nil {
			return nil, err
		}
		for _, d := range dead {
			p.c.b.deliverCore(dls, d)
		}
		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-wake:
		case <-tick.C:
		case <-expire:
			return nil, transport.ErrTimeout
		case <-p.c.closed:
			return nil, transport.ErrConnectionClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, transport.ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

func (p *pullSub) Unsubscribe() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type delivery struct {
	subject   string
	msg       *stored
	delivered uint64
	ack       func() error
}

func (d *delivery) Subject() string           { return d.subject }
func (d *delivery) Data() []byte              { return d.msg.data }
func (d *delivery) Header() map[string]string { return copyHeader(d.msg.header) }
func (d *delivery) Sequence() uint64          { return d.msg.seq }
func (d *delivery) NumDelivered() uint64      { return d.delivered }
func (d *delivery) Timestamp() time.Time      { return d.msg.ts }

func (d *delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

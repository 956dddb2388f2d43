// Package nats implements transport.Conn on top of NATS core request/reply
// and JetStream pull consumers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"memphisflow/internal/logging"
	"memphisflow/transport"
)

type Conn struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ transport.Conn = (*Conn)(nil)

// Dial is a transport.Dialer.
func Dial(ctx context.Context, o transport.DialOptions) (transport.Conn, error) {
	onErr := o.OnAsyncError
	if onErr == nil {
		onErr = func(error) {}
	}

	opts := []nats.Option{
		nats.Name(o.Name),
		nats.ReconnectWait(o.ReconnectWait),
		nats.MaxReconnects(o.MaxReconnect),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			onErr(mapErr(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.L().Warn("nats: disconnected", "name", o.Name, "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.L().Info("nats: reconnected", "name", o.Name, "url", nc.ConnectedUrl())
		}),
	}
	if o.Timeout > 0 {
		opts = append(opts, nats.Timeout(o.Timeout))
	}
	if !o.Reconnect {
		opts = append(opts, nats.NoReconnect())
	}
	if o.Token != "" {
		opts = append(opts, nats.Token(o.Token))
	} else {
		opts = append(opts, nats.UserInfo(o.User, o.Password))
	}
	if o.CertFile != "" {
		opts = append(opts, nats.ClientCert(o.CertFile, o.KeyFile), nats.RootCAs(o.CAFile))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(o.URL, opts...)
		done <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, mapErr(r.err)
		}
		nc = r.nc
	}

	js, err := nc.JetStream(nats.PublishAsyncErrHandler(func(_ nats.JetStream, m *nats.Msg, err error) {
		onErr(fmt.Errorf("async publish to %s: %w", m.Subject, mapErr(err)))
	}))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Conn{nc: nc, js: js}, nil
}

func (c *Conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, mapErr(err)
	}
	return msg.Data, nil
}

func (c *Conn) Subscribe(subject string, handler func(transport.Delivery)) (transport.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(wrap(m))
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return sub, nil
}

func (c *Conn) PullSubscribe(subject, durable string) (transport.PullSubscription, error) {
	sub, err := c.js.PullSubscribe(subject, durable)
	if err != nil {
		return nil, mapErr(err)
	}
	return &pullSub{sub: sub}, nil
}

func (c *Conn) Publish(ctx context.Context, out *transport.OutMsg, async bool) error {
	m := nats.NewMsg(out.Subject)
	m.Data = out.Data
	for k, v := range out.Header {
		m.Header.Set(k, v)
	}

	if async {
		if _, err := c.js.PublishMsgAsync(m); err != nil {
			return mapErr(err)
		}
		return nil
	}

	if out.AckWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, out.AckWait)
		defer cancel()
	}
	if _, err := c.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		return mapErr(err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

type pullSub struct {
	sub *nats.Subscription
}

func (p *pullSub) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]transport.Delivery, error) {
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	msgs, err := p.sub.Fetch(batch, nats.Context(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]transport.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wrap(m))
	}
	return out, nil
}

func (p *pullSub) Unsubscribe() error {
	return mapErr(p.sub.Unsubscribe())
}

type delivery struct {
	m    *nats.Msg
	meta *nats.MsgMetadata
}

func wrap(m *nats.Msg) *delivery {
	d := &delivery{m: m}
	// core messages carry no JetStream metadata
	if meta, err := m.Metadata(); err == nil {
		d.meta = meta
	}
	return d
}

func (d *delivery) Subject() string { return d.m.Subject }
func (d *delivery) Data() []byte    { return d.m.Data }

func (d *delivery) Header() map[string]string {
	if len(d.m.Header) == 0 {
		return nil
	}
	out := make(map[string]string, len(d.m.Header))
	for k := range d.m.Header {
		out[k] = d.m.Header.Get(k)
	}
	return out
}

func (d *delivery) Sequence() uint64 {
	if d.meta == nil {
		return 0
	}
	return d.meta.Sequence.Stream
}

func (d *delivery) NumDelivered() uint64 {
	if d.meta == nil {
		return 1
	}
	return d.meta.NumDelivered
}

func (d *delivery) Timestamp() time.Time {
	if d.meta == nil {
		return time.Time{}
	}
	return d.meta.Timestamp
}

func (d *delivery) Ack() error {
	if d.meta == nil {
		return nil
	}
	return mapErr(d.m.Ack())
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrNoStreamResponse):
		return fmt.Errorf("%w: %v", transport.ErrNoResponders, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining), errors.Is(err, nats.ErrBadSubscription):
		return fmt.Errorf("%w: %v", transport.ErrConnectionClosed, err)
	case errors.Is(err, nats.ErrAuthorization):
		return fmt.Errorf("%w: %v", transport.ErrAuthorization, err)
	}
	return err
}

package memphis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"memphisflow/frame"
	"memphisflow/internal/logging"
	client "memphisflow/memphis"
	"memphisflow/sink"
)

// driver adapts a single Partition to the pipeline. A frame is acked
// once its produce returned; async mode acks on hand-off.
type driver struct {
	cfg      Config
	sessOpts []client.SessionOption
	sess     *client.Session
	ownsSess bool
	ack      sink.EmitFn

	mu  sync.Mutex // serializes Push against Close
	out *Partition
}

type Option func(*driver)

// WithSession shares an existing session instead of dialing one.
func WithSession(s *client.Session) Option {
	return func(d *driver) { d.sess = s }
}

func WithSessionOptions(opts ...client.SessionOption) Option {
	return func(d *driver) { d.sessOpts = append(d.sessOpts, opts...) }
}

// Apply sets options on a registry-built driver.
func Apply(a sink.Adapter, opts ...Option) error {
	d, ok := a.(*driver)
	if !ok {
		return fmt.Errorf("memphis sink: not a memphis driver (%T)", a)
	}
	for _, o := range opts {
		o(d)
	}
	return nil
}

func (d *driver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("memphis sink: expected Config, got %T", raw)
	}
	d.cfg = cfg

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if d.sess == nil {
		s, err := client.Connect(ctx, cfg.Connection, d.sessOpts...)
		if err != nil {
			return err
		}
		d.sess, d.ownsSess = s, true
	}
	out, err := Output{
		Session:  d.sess,
		Station:  cfg.Station,
		Producer: cfg.Producer,
		Async:    cfg.Async,
		AckWait:  cfg.AckWait,
	}.Build(ctx, 0)
	if err != nil {
		if d.ownsSess {
			_ = d.sess.Close()
			d.sess, d.ownsSess = nil, false
		}
		return err
	}
	d.out = out
	return nil
}

func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

func (d *driver) Push(f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out == nil {
		return errors.New("memphis sink: closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := d.out.Write(ctx, toItem(f)); err != nil {
		return fmt.Errorf("memphis sink: %s: %w", f.Checkpoint, err)
	}
	if d.ack != nil && f.Checkpoint != nil {
		d.ack(f.Checkpoint)
	}
	return nil
}

func toItem(f *frame.Frame) Item {
	h := make(map[string]string, len(f.Headers))
	for k, v := range f.Headers {
		h[k] = string(v)
	}
	return Item{Payload: f.Value, Headers: h, MsgID: string(f.Key)}
}

func (d *driver) Close() error {
	d.mu.Lock()
	out := d.out
	d.out = nil
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	var errs []error
	if out != nil {
		errs = append(errs, out.Close(ctx))
	}
	if d.ownsSess {
		errs = append(errs, d.sess.Close())
	}
	logging.L().Info("memphis sink: closed", "station", d.cfg.Station)
	return errors.Join(errs...)
}

func init() { sink.Register("memphis", func() sink.Adapter { return &driver{} }) }

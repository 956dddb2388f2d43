package memphis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"memphisflow/frame"
	"memphisflow/internal/logging"
	client "memphisflow/memphis"
)

const closeTimeout = 10 * time.Second

type ackKey struct {
	worker    int
	partition int
	seq       uint64
}

type worker struct {
	idx int
	key string
	src *ResumableSource
	wm  *PartitionTracker

	// commitMu orders checkpoint writes; positions only grow, so the last
	// write holds the highest.
	commitMu sync.Mutex
}

// Driver runs one ResumableSource per configured worker and emits their
// records as frames. In e2e mode a record counts as handled only once a
// sink acks its checkpoint; the contiguous watermark of handled records is
// what gets persisted and resumed from.
type Driver struct {
	cfg      Config
	mode     CommitMode
	sessOpts []client.SessionOption
	store    CheckpointStore
	sess     *client.Session
	ownsSess bool
	bp       *Controller

	mu      sync.Mutex
	workers []*worker
	pending map[ackKey][]func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

type DriverOption func(*Driver)

// WithSession shares an existing session instead of dialing one.
func WithSession(s *client.Session) DriverOption {
	return func(d *Driver) { d.sess = s }
}

// WithSessionOptions is passed to Connect when the driver dials.
func WithSessionOptions(opts ...client.SessionOption) DriverOption {
	return func(d *Driver) { d.sessOpts = append(d.sessOpts, opts...) }
}

func WithCheckpointStore(s CheckpointStore) DriverOption {
	return func(d *Driver) { d.store = s }
}

func NewDriver(opts ...DriverOption) *Driver {
	d := &Driver{}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply sets options after construction; the pipeline compiler uses it on
// registry-built drivers.
func (d *Driver) Apply(opts ...DriverOption) {
	for _, o := range opts {
		o(d)
	}
}

func (d *Driver) Configure(config Config) error {
	d.cfg, d.mode = config, config.CommitMode
	d.pending = make(map[ackKey][]func())
	d.bp = NewController(config.BackPressure.Capacity, config.BackPressure.Capacity/10, config.BackPressure.CheckInt)

	if d.sess == nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		s, err := client.Connect(ctx, config.Connection, d.sessOpts...)
		if err != nil {
			return err
		}
		d.sess, d.ownsSess = s, true
	}
	return nil
}

func (d *Driver) checkpointKey(w int) string {
	return fmt.Sprintf("%s/%s/%d", client.InternalName(d.cfg.Station), client.InternalName(d.cfg.ConsumerGroup), w)
}

func (d *Driver) Run(ctx context.Context, emit EmitFunc) error {
	if d.sess == nil {
		return errors.New("memphis source: driver not configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return ErrSourceClosed
	}
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	in := d.cfg.Input(d.sess)
	workers := make([]*worker, 0, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		w, err := d.openWorker(ctx, in, i)
		if err != nil {
			d.closeWorkers(workers)
			return err
		}
		workers = append(workers, w)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return d.closeWorkers(workers)
	}
	d.workers = workers
	d.mu.Unlock()

	errCh := make(chan error, len(workers))
	for _, w := range workers {
		d.wg.Add(1)
		go func(w *worker) {
			defer d.wg.Done()
			if err := d.poll(ctx, w, emit); err != nil {
				errCh <- err
				cancel()
			}
		}(w)
	}
	d.wg.Wait()
	close(errCh)
	return <-errCh
}

func (d *Driver) openWorker(ctx context.Context, in Input, idx int) (*worker, error) {
	w := &worker{idx: idx, key: d.checkpointKey(idx)}
	var resume []byte
	if d.store != nil && !d.cfg.Replay {
		var err error
		if resume, err = d.store.Load(ctx, w.key); err != nil {
			return nil, fmt.Errorf("load checkpoint %s: %w", w.key, err)
		}
	}
	base, err := frame.DecodePositions(resume)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", w.key, err)
	}
	src, err := in.Build(ctx, idx, d.cfg.Workers, resume)
	if err != nil {
		return nil, err
	}
	w.src = src
	w.wm = NewPartitionTracker(src.Lanes(), base, d.cfg.BackPressure.Capacity, d.cfg.Checkpoint.CommitInt)
	return w, nil
}

func (d *Driver) poll(ctx context.Context, w *worker, emit EmitFunc) error {
	for {
		if err := d.bp.Acquire(ctx); err != nil {
			return nil
		}
		rec, ok, err := w.src.Next(ctx)
		if err != nil {
			d.bp.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			d.bp.Release(1)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.PullInterval):
			}
			continue
		}

		resolve, err := w.wm.Track(ctx, rec.Partition, w.src.Position(rec.Partition))
		if err != nil {
			d.bp.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f := toFrame(d.cfg.Station, w.idx, rec)
		key := ackKey{w.idx, rec.Partition, rec.Sequence}
		done := func() {
			d.resolve(w, resolve)
			d.bp.Release(1)
		}

		if d.mode == CommitAuto {
			if err := emit(f); err != nil {
				d.bp.Release(1)
				return err
			}
			done()
		} else {
			// registered first: a sink may ack from inside Push
			d.mu.Lock()
			d.pending[key] = append(d.pending[key], done)
			d.mu.Unlock()
			if err := emit(f); err != nil {
				d.takePending(key)
				d.bp.Release(1)
				return err
			}
		}
		emittedFrames.WithLabelValues(d.cfg.Station).Inc()
	}
}

func (d *Driver) takePending(k ackKey) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.pending[k]
	if len(q) == 0 {
		return nil
	}
	cb := q[0]
	if len(q) == 1 {
		delete(d.pending, k)
	} else {
		d.pending[k] = q[1:]
	}
	return cb
}

// OnAck resolves the frame carrying cp. Unknown checkpoints are ignored.
func (d *Driver) OnAck(cp *frame.Checkpoint) {
	if cp == nil || cp.Station != d.cfg.Station {
		return
	}
	if cb := d.takePending(ackKey{cp.Worker, cp.Partition, cp.Sequence}); cb != nil {
		cb()
	}
}

func (d *Driver) resolve(w *worker, resolve func() bool) {
	if resolve() {
		d.commit(w)
	}
}

func (d *Driver) commit(w *worker) {
	if d.store == nil {
		return
	}
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	pos := w.wm.Positions()
	if len(pos) == 0 {
		return
	}
	b, err := frame.EncodePositions(pos)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		err = d.store.Save(ctx, w.key, b)
		cancel()
	}
	if err != nil {
		checkpointCommits.WithLabelValues(d.cfg.Station, "error").Inc()
		logging.L().Error("memphis source: checkpoint commit failed", "key", w.key, "positions", pos, "err", err)
		return
	}
	checkpointCommits.WithLabelValues(d.cfg.Station, "ok").Inc()
	logging.L().Debug("memphis source: checkpoint committed", "key", w.key, "positions", pos)
}

// Close stops the workers, persists their final watermarks and destroys
// their consumers.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d.bp != nil {
		d.bp.Close()
	}
	d.wg.Wait()

	d.mu.Lock()
	workers := d.workers
	d.workers = nil
	d.mu.Unlock()

	err := d.closeWorkers(workers)
	if d.ownsSess {
		err = errors.Join(err, d.sess.Close())
	}
	return err
}

func (d *Driver) closeWorkers(workers []*worker) error {
	var errs []error
	for _, w := range workers {
		d.commit(w)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := w.src.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

func toFrame(station string, worker int, rec Record) *frame.Frame {
	f := &frame.Frame{
		Value:      rec.Payload,
		Headers:    toHeaderMap(rec.Headers),
		Checkpoint: &frame.Checkpoint{Station: station, Worker: worker, Partition: rec.Partition, Sequence: rec.Sequence},
	}
	if !rec.Timestamp.IsZero() {
		f.Ts = timestamppb.New(rec.Timestamp)
	}
	if id := rec.Headers[client.HeaderMsgID]; id != "" {
		f.Key = []byte(id)
	}
	return f
}

func toHeaderMap(src map[string]string) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for k, v := range src {
		out[k] = []byte(v)
	}
	return out
}

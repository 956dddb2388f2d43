package pipeline

import (
	"context"
	"errors"
	"sync"

	"memphisflow/frame"
	"memphisflow/internal/logging"
	"memphisflow/sink"
	source "memphisflow/source/memphis"
)

type namedSink struct {
	name string
	sink.Adapter
}

// Runner moves frames from one source into every sink in order and fans
// sink acks back to whoever subscribed (normally the source).
type Runner struct {
	source source.Adapter
	sinks  []namedSink
	closer func() error // checkpoint store, if any

	pushMu sync.Mutex // sources emit from several workers

	mu      sync.Mutex
	subs    []func(*frame.Checkpoint)
	cancel  context.CancelFunc
	stopped chan struct{}
	runErr  error
	closed  bool
}

func NewRunner() *Runner { return &Runner{} }

func (r *Runner) AddSink(name string, s sink.Adapter) { r.sinks = append(r.sinks, namedSink{name, s}) }
func (r *Runner) SetSource(s source.Adapter)          { r.source = s }

func (r *Runner) SubscribeAck(fn func(*frame.Checkpoint)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// Ack is bound into every AckAware sink.
func (r *Runner) Ack(cp *frame.Checkpoint) {
	r.mu.Lock()
	handlers := append([]func(*frame.Checkpoint){}, r.subs...)
	r.mu.Unlock()

	acks.Inc()
	for _, fn := range handlers {
		fn(cp)
	}
}

/*──────── frame routing ───────*/
func (r *Runner) pushFrame(f *frame.Frame) error {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()
	for _, s := range r.sinks {
		if err := s.Push(f); err != nil {
			pushErrors.WithLabelValues(s.name).Inc()
			return err
		}
		frames.WithLabelValues(s.name).Inc()
	}
	return nil
}

// Start runs the source in the background until Close or a source error.
func (r *Runner) Start(ctx context.Context) error {
	if r.source == nil {
		return errors.New("runner: no source configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("runner: closed")
	}
	if r.stopped != nil {
		return errors.New("runner: already started")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.stopped = make(chan struct{})
	go func() {
		err := r.source.Run(ctx, r.pushFrame)
		if err != nil && ctx.Err() == nil {
			logging.L().Error("pipeline: source stopped", "err", err)
		}
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		close(r.stopped)
	}()
	return nil
}

// Done is closed once the source returns; Err reports why.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Close stops the source, then closes the sinks so their final acks still
// reach it, then closes the source so it commits what was acked.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, stopped := r.cancel, r.stopped
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}

	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.source != nil {
		errs = append(errs, r.source.Close())
	}
	if r.closer != nil {
		errs = append(errs, r.closer())
	}
	logging.L().Info("pipeline: closed", "sinks", len(r.sinks))
	return errors.Join(errs...)
}

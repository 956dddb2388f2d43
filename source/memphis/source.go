// Package memphis turns a Memphis station into a resumable source for a
// dataflow engine: a per-worker state machine that maps the engine's
// checkpoint and replay directives onto broker-side durable cursors, plus
// the pipeline driver that runs it.
package memphis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"memphisflow/frame"
	"memphisflow/internal/logging"
	client "memphisflow/memphis"
)

// ErrSourceClosed is returned by every call on a closed source.
var ErrSourceClosed = errors.New("memphis source: closed")

type State int

const (
	StateFresh State = iota
	StateResuming
	StateReplaying
	StateSteady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateResuming:
		return "RESUMING"
	case StateReplaying:
		return "REPLAYING"
	case StateSteady:
		return "STEADY"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AckPolicy decides when an emitted record is acknowledged to the broker.
type AckPolicy string

const (
	// AckDeferred acks a record when the next one is requested or the
	// source closes. A crash in between redelivers it: at-least-once.
	AckDeferred AckPolicy = "deferred"
	// AckImmediate acks on hand-off. A crash before the engine persists
	// its checkpoint loses the record.
	AckImmediate AckPolicy = "immediate"
)

// SourceConfig is what one ResumableSource needs to start.
type SourceConfig struct {
	Station  string
	Consumer string
	// Group defaults to Consumer. Resume and replay need the two equal.
	Group string
	// Checkpoint is the opaque value last returned by Checkpoint, or empty.
	Checkpoint []byte
	Replay     bool
	AckPolicy  AckPolicy

	BatchSize     int
	BatchMaxWait  time.Duration
	MaxAckTime    time.Duration
	MaxDeliveries int
	Partitions    []int

	// Connection is dialed when Open is given no session; the source then
	// owns and closes it.
	Connection     client.Config
	SessionOptions []client.SessionOption
}

// Record is one emitted message. Sequence is local to Partition.
type Record struct {
	Payload    []byte
	Headers    map[string]string
	Partition  int
	Sequence   uint64
	Timestamp  time.Time
	DeadLetter bool
}

// lane is the durable cursor over one partition, or over the whole station
// when it is unpartitioned (partition 0). Partitions number their records
// independently, so each lane resumes from its own position.
type lane struct {
	partition int
	name      string
	group     string
	consumer  *client.Consumer
	last      uint64
}

// ResumableSource emits a station's records for one worker. It must be
// driven from a single goroutine.
type ResumableSource struct {
	cfg      SourceConfig
	sess     *client.Session
	ownsSess bool
	state    State
	lanes    []*lane

	// buf belongs to bufLane; next is the lane fetched after it.
	buf     []*client.Message
	bufLane *lane
	next    int
	unacked *client.Message
}

// Open resolves the start state from cfg and brings the source to STEADY:
// REPLAYING when Replay is set, RESUMING when a checkpoint is present,
// FRESH otherwise.
func Open(ctx context.Context, sess *client.Session, cfg SourceConfig) (*ResumableSource, error) {
	if cfg.Station == "" || cfg.Consumer == "" {
		return nil, errors.New("memphis source: station and consumer are required")
	}
	if cfg.Group == "" {
		cfg.Group = cfg.Consumer
	}
	if cfg.AckPolicy == "" {
		cfg.AckPolicy = AckDeferred
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	resume, err := frame.DecodePositions(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	// a reset only rewinds the cursor when this consumer is its group's
	// sole member; a shared group keeps its cursor across destroy
	if (cfg.Replay || len(resume) > 0) && !strings.EqualFold(cfg.Group, cfg.Consumer) {
		return nil, fmt.Errorf("memphis source: group %q must equal consumer %q to resume or replay", cfg.Group, cfg.Consumer)
	}

	r := &ResumableSource{cfg: cfg, sess: sess}
	switch {
	case cfg.Replay:
		r.state = StateReplaying
	case len(resume) > 0:
		r.state = StateResuming
	default:
		r.state = StateFresh
	}
	r.lanes = newLanes(cfg, resume)

	if r.sess == nil {
		r.sess, err = client.Connect(ctx, cfg.Connection, cfg.SessionOptions...)
		if err != nil {
			return nil, err
		}
		r.ownsSess = true
	}
	if err := r.start(ctx); err != nil {
		if r.ownsSess {
			_ = r.sess.Close()
		}
		return nil, err
	}
	return r, nil
}

// newLanes lays out one lane per partition. A partitioned lane gets its own
// identity "<name>_p<partition>" so its cursor can start independently.
func newLanes(cfg SourceConfig, resume frame.Positions) []*lane {
	if len(cfg.Partitions) == 0 {
		return []*lane{{name: cfg.Consumer, group: cfg.Group, last: resume[0]}}
	}
	lanes := make([]*lane, 0, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		lanes = append(lanes, &lane{
			partition: p,
			name:      fmt.Sprintf("%s_p%d", cfg.Consumer, p),
			group:     fmt.Sprintf("%s_p%d", cfg.Group, p),
			last:      resume[p],
		})
	}
	return lanes
}

// idleSource is a STEADY source with nothing assigned to it.
func idleSource(cfg SourceConfig) *ResumableSource {
	return &ResumableSource{cfg: cfg, state: StateSteady}
}

func (r *ResumableSource) start(ctx context.Context) error {
	from := r.state
	for _, l := range r.lanes {
		if err := r.startLane(ctx, from, l); err != nil {
			r.destroyLanes(ctx)
			return err
		}
	}
	r.state = StateSteady
	return nil
}

func (r *ResumableSource) startLane(ctx context.Context, from State, l *lane) error {
	start := uint64(1)
	switch from {
	case StateReplaying:
		if err := r.sess.DestroyConsumer(ctx, r.cfg.Station, l.name); err != nil {
			return fmt.Errorf("replay: reset %s: %w", l.name, err)
		}
		l.last = 0
	case StateResuming:
		// the cursor is rebuilt from the checkpoint so the same checkpoint
		// always yields the same first record
		if err := r.sess.DestroyConsumer(ctx, r.cfg.Station, l.name); err != nil {
			return fmt.Errorf("resume: reset %s: %w", l.name, err)
		}
		start = l.last + 1
	}

	opts := []client.ConsumerOption{
		client.WithGroup(l.group),
		client.WithBatchSize(r.cfg.BatchSize),
		client.WithStartSequence(int64(start)),
	}
	if r.cfg.BatchMaxWait > 0 {
		opts = append(opts, client.WithBatchMaxWait(r.cfg.BatchMaxWait))
	}
	if r.cfg.MaxAckTime > 0 {
		opts = append(opts, client.WithMaxAckTime(r.cfg.MaxAckTime))
	}
	if r.cfg.MaxDeliveries > 0 {
		opts = append(opts, client.WithMaxDeliveries(r.cfg.MaxDeliveries))
	}
	if l.partition > 0 {
		opts = append(opts, client.WithPartitions(l.partition))
	}
	c, err := r.sess.Consumer(ctx, r.cfg.Station, l.name, opts...)
	if err != nil {
		return err
	}
	l.consumer = c
	logging.L().Info("memphis source: steady",
		"station", r.cfg.Station, "consumer", l.name, "partition", l.partition, "from", from.String(),
		"start_sequence", start, "ack_policy", string(r.cfg.AckPolicy))
	return nil
}

func (r *ResumableSource) destroyLanes(ctx context.Context) []error {
	var errs []error
	for _, l := range r.lanes {
		if l.consumer == nil {
			continue
		}
		if err := l.consumer.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
		l.consumer = nil
	}
	return errs
}

func (r *ResumableSource) State() State { return r.state }

// Next hands out the next record. ok is false when every lane came back
// empty; the caller decides how long to wait before asking again.
func (r *ResumableSource) Next(ctx context.Context) (Record, bool, error) {
	if r.state == StateClosed {
		return Record{}, false, ErrSourceClosed
	}
	if err := r.ackPending(); err != nil {
		return Record{}, false, err
	}
	if len(r.buf) == 0 {
		if err := r.fill(ctx); err != nil {
			return Record{}, false, err
		}
	}
	if len(r.buf) == 0 {
		return Record{}, false, nil
	}
	l := r.bufLane
	m := r.buf[0]
	r.buf[0] = nil
	r.buf = r.buf[1:]

	if r.cfg.AckPolicy == AckImmediate {
		if err := m.Ack(); err != nil {
			return Record{}, false, err
		}
	} else {
		r.unacked = m
	}
	// dead letters relayed outside the stream carry no sequence, and a
	// redelivered one must not pull the position back
	if seq := m.Sequence(); seq > l.last {
		l.last = seq
	}
	return Record{
		Payload:    m.Data(),
		Headers:    m.Headers(),
		Partition:  l.partition,
		Sequence:   m.Sequence(),
		Timestamp:  m.Timestamp(),
		DeadLetter: m.DeadLetter(),
	}, true, nil
}

// fill pulls one batch, trying each lane at most once in round-robin order.
func (r *ResumableSource) fill(ctx context.Context) error {
	for range r.lanes {
		l := r.lanes[r.next]
		r.next = (r.next + 1) % len(r.lanes)
		msgs, err := l.consumer.Fetch(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			r.buf, r.bufLane = msgs, l
			return nil
		}
	}
	return nil
}

func (r *ResumableSource) ackPending() error {
	m := r.unacked
	if m == nil {
		return nil
	}
	r.unacked = nil
	if err := m.Ack(); err != nil {
		return fmt.Errorf("deferred ack of %d: %w", m.Sequence(), err)
	}
	return nil
}

// Partitions lists the partitions this source reads; nil when it reads an
// unpartitioned station or nothing at all.
func (r *ResumableSource) Partitions() []int {
	var out []int
	for _, l := range r.lanes {
		if l.partition > 0 {
			out = append(out, l.partition)
		}
	}
	return out
}

// Lanes lists the partitions positions are kept for: 0 alone for an
// unpartitioned station.
func (r *ResumableSource) Lanes() []int {
	out := make([]int, 0, len(r.lanes))
	for _, l := range r.lanes {
		out = append(out, l.partition)
	}
	return out
}

// Position is the sequence of the most recently emitted record of
// partition, or its resume position while nothing has been emitted there.
func (r *ResumableSource) Position(partition int) uint64 {
	for _, l := range r.lanes {
		if l.partition == partition {
			return l.last
		}
	}
	return 0
}

// Snapshot is the position of every lane. Zero positions are left out.
func (r *ResumableSource) Snapshot() frame.Positions {
	p := frame.Positions{}
	for _, l := range r.lanes {
		if l.last > 0 {
			p[l.partition] = l.last
		}
	}
	return p
}

// Checkpoint is Snapshot in the opaque form Open accepts back.
func (r *ResumableSource) Checkpoint() ([]byte, error) {
	return frame.EncodePositions(r.Snapshot())
}

// Close acks the deferred record, destroys the consumers and closes an
// owned session. The source is unusable afterwards.
func (r *ResumableSource) Close(ctx context.Context) error {
	if r.state == StateClosed {
		return ErrSourceClosed
	}
	r.state = StateClosed
	r.buf, r.bufLane = nil, nil

	var errs []error
	if err := r.ackPending(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, r.destroyLanes(ctx)...)
	if r.ownsSess {
		if err := r.sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	logging.L().Info("memphis source: closed", "station", r.cfg.Station, "consumer", r.cfg.Consumer, "snapshot", r.Snapshot())
	return errors.Join(errs...)
}

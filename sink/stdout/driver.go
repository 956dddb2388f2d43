// Package stdout is a debug sink: it prints frames and acks them in
// batches or on a timer.
package stdout

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"memphisflow/frame"
	"memphisflow/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	DelayMS       int  `yaml:"delay_ms"`        // artificial per-frame delay
	PrintCounter  bool `yaml:"print_counter"`   // prepend seq#
	BatchSize     int  `yaml:"ack_batch_size"`  // 0 = disabled
	FlushMS       int  `yaml:"ack_flush_ms"`    // 0 = disabled
	PrintValue    bool `yaml:"print_value"`     // append the payload
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = no truncation
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	out io.Writer
	ack sink.EmitFn

	mu      sync.Mutex // guards pending+timer
	pending []*frame.Checkpoint
	timer   *time.Timer // nil → no timer armed
	seq     atomic.Uint64
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	d.cfg = c
	return nil
}

func (d *driver) Push(f *frame.Frame) error {
	if d.cfg.DelayMS > 0 {
		time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
	}

	line := "[sink]"
	if d.cfg.PrintCounter {
		line = fmt.Sprintf("[sink %06d]", d.seq.Add(1))
	}
	line += " " + f.Checkpoint.String()
	if d.cfg.PrintValue {
		v := f.Value
		if d.cfg.ValueMaxBytes > 0 && len(v) > d.cfg.ValueMaxBytes {
			v = v[:d.cfg.ValueMaxBytes]
		}
		line += fmt.Sprintf(" %q", v)
	}
	if _, err := fmt.Fprintln(d.out, line); err != nil {
		return err
	}

	d.mu.Lock()
	d.pending = append(d.pending, f.Checkpoint)

	/* 1. flush on batch size */
	if d.cfg.BatchSize > 0 && len(d.pending) >= d.cfg.BatchSize {
		d.flushLocked()
		d.mu.Unlock()
		return nil
	}

	/* 2. arm the one-shot timer if needed */
	if d.cfg.FlushMS > 0 && d.timer == nil {
		d.timer = time.AfterFunc(
			time.Duration(d.cfg.FlushMS)*time.Millisecond,
			d.timerFlush,
		)
	}
	d.mu.Unlock()
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	d.flushLocked()
	d.mu.Unlock()
	return nil
}

/* ────────── sink.AckAware ────────── */
func (d *driver) BindAck(fn sink.EmitFn) { d.ack = fn }

/* ────────── internals ────────── */

// called by the background timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	d.timer = nil
	d.flushLocked()
	d.mu.Unlock()
}

// must be called with d.mu *held*
func (d *driver) flushLocked() {
	if len(d.pending) == 0 || d.ack == nil {
		d.stopTimerLocked()
		return
	}
	for _, t := range d.pending {
		d.ack(t)
	}
	d.pending = d.pending[:0]
	d.stopTimerLocked() // re-arm on next Push if needed
}

func (d *driver) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func newDriver(out io.Writer) *driver { return &driver{out: out} }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return newDriver(os.Stdout) })
}

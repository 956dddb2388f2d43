package memphis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"memphisflow/frame"
)

// slot is one emitted, not yet resolved record. Resolved slots fold into
// their predecessor so the head of the list always carries the highest
// contiguously resolved value.
type slot[T any] struct {
	pos        int64
	value      T
	prev, next *slot[T]
}

// Window tracks emitted records in emission order and reports the last
// value below which everything has been resolved. Not goroutine safe.
type Window[T any] struct {
	basePos     int64
	base        *T
	first, last *slot[T]
}

func NewWindow[T any]() *Window[T] { return &Window[T]{} }

// Add appends v with the given weight and returns its resolve func. The
// resolve func reports the current watermark, nil while nothing is
// contiguous yet.
func (w *Window[T]) Add(v T, weight int64) func() *T {
	s := &slot[T]{value: v, pos: weight}
	if w.first == nil {
		w.first = s
	}
	if w.last != nil {
		s.prev = w.last
		s.pos += w.last.pos
		w.last.next = s
	} else {
		s.pos += w.basePos
	}
	w.last = s

	return func() *T {
		if s.prev != nil {
			s.prev.pos = s.pos
			s.prev.value = s.value
			s.prev.next = s.next
		} else {
			v := s.value
			w.base, w.basePos = &v, s.pos
			w.first = s.next
		}
		if s.next != nil {
			s.next.prev = s.prev
		} else {
			w.last = s.prev
		}
		return w.base
	}
}

// Pending is the total weight still unresolved.
func (w *Window[T]) Pending() int64 {
	if w.last == nil {
		return 0
	}
	return w.last.pos - w.basePos
}

func (w *Window[T]) Watermark() *T { return w.base }

// BoundedWindow blocks Add while the unresolved weight would exceed its
// limit.
type BoundedWindow[T any] struct {
	w     *Window[T]
	limit int64
	cond  *sync.Cond
}

func NewBoundedWindow[T any](limit int64) *BoundedWindow[T] {
	return &BoundedWindow[T]{w: NewWindow[T](), limit: limit, cond: sync.NewCond(&sync.Mutex{})}
}

func (b *BoundedWindow[T]) Add(ctx context.Context, v T, weight int64) (func() *T, error) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		b.cond.L.Lock()
		b.cond.Broadcast()
		b.cond.L.Unlock()
	}()

	for pend := b.w.Pending(); pend > 0 && pend+weight > b.limit; pend = b.w.Pending() {
		b.cond.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	resolve := b.w.Add(v, weight)
	return func() *T {
		b.cond.L.Lock()
		defer b.cond.L.Unlock()
		r := resolve()
		b.cond.Broadcast()
		return r
	}, nil
}

func (b *BoundedWindow[T]) Pending() int64 {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	return b.w.Pending()
}

func (b *BoundedWindow[T]) Watermark() *T {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	return b.w.Watermark()
}

// CommitTracker pairs a BoundedWindow with a commit cadence: the resolve
// func it hands out also says whether a checkpoint write is due.
type CommitTracker[T any] struct {
	window      *BoundedWindow[T]
	everyNS     int64
	lastCommitN int64
}

func NewCommitTracker[T any](limit int64, every time.Duration) *CommitTracker[T] {
	return &CommitTracker[T]{window: NewBoundedWindow[T](limit), everyNS: every.Nanoseconds()}
}

// Track registers one emitted record. The caller resolves it once the
// record is durably handled downstream.
func (c *CommitTracker[T]) Track(ctx context.Context, v T) (func() (watermark *T, due bool), error) {
	resolve, err := c.window.Add(ctx, v, 1)
	if err != nil {
		return nil, err
	}
	return func() (*T, bool) {
		wm := resolve()
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&c.lastCommitN)
		if last+c.everyNS <= now && atomic.CompareAndSwapInt64(&c.lastCommitN, last, now) {
			return wm, true
		}
		return wm, false
	}, nil
}

func (c *CommitTracker[T]) Watermark() *T { return c.window.Watermark() }

func (c *CommitTracker[T]) Pending() int64 { return c.window.Pending() }

// PartitionTracker keeps one CommitTracker per partition a worker reads and
// folds their watermarks over the positions the worker resumed from. A
// partition that has resolved nothing yet keeps its resume position.
type PartitionTracker struct {
	base     frame.Positions
	trackers map[int]*CommitTracker[uint64]
}

func NewPartitionTracker(partitions []int, base frame.Positions, limit int64, every time.Duration) *PartitionTracker {
	t := &PartitionTracker{base: base.Clone(), trackers: make(map[int]*CommitTracker[uint64], len(partitions))}
	for _, p := range partitions {
		t.trackers[p] = NewCommitTracker[uint64](limit, every)
	}
	return t
}

// Track registers the record emitted on partition while that partition's
// position was seq. The resolve func reports whether a commit is due.
func (t *PartitionTracker) Track(ctx context.Context, partition int, seq uint64) (func() bool, error) {
	ct, ok := t.trackers[partition]
	if !ok {
		return nil, fmt.Errorf("memphis source: partition %d not tracked", partition)
	}
	resolve, err := ct.Track(ctx, seq)
	if err != nil {
		return nil, err
	}
	return func() bool {
		_, due := resolve()
		return due
	}, nil
}

// Positions is the committable state: per partition, the highest position
// below which every emitted record has been resolved.
func (t *PartitionTracker) Positions() frame.Positions {
	p := t.base.Clone()
	for part, ct := range t.trackers {
		if wm := ct.Watermark(); wm != nil && *wm > 0 {
			p[part] = *wm
		}
	}
	return p
}

func (t *PartitionTracker) Pending() int64 {
	var n int64
	for _, ct := range t.trackers {
		n += ct.Pending()
	}
	return n
}

package memphis

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errControllerClosed = errors.New("memphis source: backpressure controller closed")

// Controller is a token bucket bounding the frames a driver has emitted
// but not yet seen resolved. Tokens come back through Release and a slow
// periodic refill.
type Controller struct {
	capacity int64
	refill   int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
	stop   chan struct{}
}

func NewController(capacity, refill int64, tick time.Duration) *Controller {
	c := &Controller{
		capacity: capacity,
		refill:   refill,
		tokens:   capacity,
		stop:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
			}
			c.mu.Lock()
			c.tokens += c.refill
			if c.tokens > c.capacity {
				c.tokens = c.capacity
			}
			c.mu.Unlock()
			c.cond.Broadcast()
		}
	}()
	return c
}

// Acquire takes one token, waiting for a release or refill. It gives up
// when ctx ends or the controller is closed; the refill tick bounds how
// long a cancelled caller may linger.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.tokens <= 0 && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	switch {
	case c.closed:
		return errControllerClosed
	case ctx.Err() != nil:
		return ctx.Err()
	}
	c.tokens--
	return nil
}

func (c *Controller) TryAcquire(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.tokens < n {
		return false
	}
	c.tokens -= n
	return true
}

func (c *Controller) Release(n int64) {
	c.mu.Lock()
	c.tokens += n
	if c.tokens > c.capacity {
		c.tokens = c.capacity
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Controller) Available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()
	c.cond.Broadcast()
}

package memphis

import "sync"

// DeadLetterBuffer is a client-local FIFO of messages that ran out of
// delivery attempts. It lives in memory only; a crash loses its content.
// Pushes arrive on the transport's goroutine, hence the lock.
type DeadLetterBuffer struct {
	mu   sync.Mutex
	msgs []*Message
}

func (b *DeadLetterBuffer) Push(m *Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

// Drain removes and returns up to n messages in arrival order.
func (b *DeadLetterBuffer) Drain(n int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.msgs) {
		n = len(b.msgs)
	}
	out := make([]*Message, n)
	copy(out, b.msgs[:n])
	rest := make([]*Message, len(b.msgs)-n)
	copy(rest, b.msgs[n:])
	b.msgs = rest
	return out
}

func (b *DeadLetterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *DeadLetterBuffer) Clear() {
	b.mu.Lock()
	b.msgs = nil
	b.mu.Unlock()
}

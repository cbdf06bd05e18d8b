package events

import "sync"

// ringBuffer is a fixed-capacity FIFO of pending events. When full,
// appending evicts the oldest entry so producers never block.
type ringBuffer struct {
	mu      sync.Mutex
	entries []Event
	head    int
	count   int
	dropped uint64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer{entries: make([]Event, capacity)}
}

// push appends ev, evicting the oldest entry when the buffer is full.
// It reports whether an entry was dropped.
func (b *ringBuffer) push(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.count) % len(b.entries)
	b.entries[tail] = ev
	if b.count == len(b.entries) {
		b.head = (b.head + 1) % len(b.entries)
		b.dropped++
		return true
	}
	b.count++
	return false
}

// pushFront re-inserts events at the head, oldest first, without growing
// past capacity. Events that do not fit are counted as dropped. Used to
// requeue a failed batch ahead of newer entries.
func (b *ringBuffer) pushFront(evs []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(evs) - 1; i >= 0; i-- {
		if b.count == len(b.entries) {
			b.dropped += uint64(i + 1)
			return
		}
		b.head = (b.head - 1 + len(b.entries)) % len(b.entries)
		b.entries[b.head] = evs[i]
		b.count++
	}
}

// drain removes and returns up to max entries in FIFO order.
func (b *ringBuffer) drain(max int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
		b.entries[(b.head+i)%len(b.entries)] = Event{}
	}
	b.head = (b.head + n) % len(b.entries)
	b.count -= n
	return out
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ringBuffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

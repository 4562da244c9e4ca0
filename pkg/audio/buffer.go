package audio

import "sync"

// Buffer is a bounded FIFO of captured PCM bytes bridging a push-style device
// callback and the pull-style [Source.Read] contract.
//
// Write never blocks: when the buffer is full the oldest bytes are overwritten
// so that readers always receive the freshest audio. Read blocks until data is
// available or the buffer is closed.
//
// All methods are safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []byte
	head   int // index of the oldest byte
	size   int // number of buffered bytes
	closed bool

	dropped uint64
}

// NewBuffer creates a Buffer holding at most capacity bytes. A non-positive
// capacity is raised to 1.
func NewBuffer(capacity int) *Buffer {
	b := &Buffer{ring: make([]byte, max(capacity, 1))}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() int { return len(b.ring) }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns how many bytes were overwritten before being read.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Write appends p, overwriting the oldest data on overflow. It returns
// [ErrSourceClosed] once the buffer is closed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrSourceClosed
	}
	n := len(p)
	if len(p) > len(b.ring) {
		b.dropped += uint64(len(p) - len(b.ring))
		p = p[len(p)-len(b.ring):]
	}
	if over := b.size + len(p) - len(b.ring); over > 0 {
		b.head = (b.head + over) % len(b.ring)
		b.size -= over
		b.dropped += uint64(over)
	}
	tail := (b.head + b.size) % len(b.ring)
	c := copy(b.ring[tail:], p)
	copy(b.ring, p[c:])
	b.size += len(p)
	b.cond.Broadcast()
	return n, nil
}

// Read blocks until at least min(len(p), Cap()) bytes are buffered, then
// copies that many bytes into p. It returns [ErrSourceClosed] when the buffer
// is closed while waiting.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	want := min(len(p), len(b.ring))

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.size < want && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, ErrSourceClosed
	}
	c := copy(p[:want], b.ring[b.head:min(b.head+want, len(b.ring))])
	copy(p[c:want], b.ring)
	b.head = (b.head + want) % len(b.ring)
	b.size -= want
	return want, nil
}

// Reset discards all buffered data and reopens a closed buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.size = 0, 0
	b.closed = false
}

// Close wakes all blocked readers with [ErrSourceClosed]. Further writes fail
// until [Buffer.Reset] is called.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Package rxbuf provides the bounded receive buffer backing one SPS data
// channel.
//
// The buffer is single-producer/single-consumer by construction: the stream
// demultiplexer appends incoming payload frames, the application drains them
// via Receive. Both sides are serialized by the owning registry's lock, so the
// buffer itself carries no synchronization.
//
// Overflow policy: a frame that does not fit in the remaining free space is
// rejected as a whole. Partial frames never enter the buffer, so the consumer
// only ever observes frame prefixes that were written completely.
package rxbuf

import (
	"errors"

	"github.com/smallnest/ringbuffer"
)

// Buffer is a bounded FIFO byte store with reject-on-overflow semantics.
type Buffer struct {
	rb *ringbuffer.RingBuffer
}

// New creates a Buffer with the given capacity in bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("rxbuf: capacity must be > 0")
	}
	return &Buffer{rb: ringbuffer.New(capacity)}
}

// Write appends p to the buffer. If p does not fit in the free space the
// buffer is left untouched and Write reports false. A zero-length p always
// succeeds without side effects.
func (b *Buffer) Write(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if len(p) > b.rb.Free() {
		return false
	}
	// Fits entirely, so the underlying write cannot be partial.
	_, err := b.rb.Write(p)
	return err == nil
}

// Read copies up to len(p) buffered bytes into p in FIFO order, removing them
// from the buffer. It never blocks and returns 0 when the buffer is empty.
func (b *Buffer) Read(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	n, err := b.rb.TryRead(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0
	}
	return n
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return b.rb.Length()
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() int {
	return b.rb.Capacity()
}

// Free returns the remaining writable space in bytes.
func (b *Buffer) Free() int {
	return b.rb.Free()
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.rb.Reset()
}

package ringbuffer

import (
	"fmt"
	"io"
	"sync"
)

// Policy decides what Write does when the buffer is full.
type Policy int

const (
	// Block makes the writer wait for the reader. A slow reader
	// back-pressures the producer.
	Block Policy = iota
	// DropOldest discards the oldest unread samples to make room.
	DropOldest
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "drop-oldest":
		return DropOldest, nil
	}
	return Block, fmt.Errorf("ringbuffer: unknown overflow policy %q", s)
}

func (p Policy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "block"
}

// RingBuffer is a concurrent-safe ring buffer for one producer and one consumer.
type RingBuffer[T any] struct {
	buf        []T
	size       int
	readIndex  int
	writeIndex int
	policy     Policy
	dropped    uint64
	closed     bool
	err        error
	mu         sync.Mutex
	cond       *sync.Cond
}

// New creates a new RingBuffer holding up to size-1 samples.
func New[T any](size int, policy Policy) *RingBuffer[T] {
	if size < 2 {
		size = 2
	}
	rb := &RingBuffer[T]{
		buf:    make([]T, size),
		size:   size,
		policy: policy,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// availableWrite returns the number of samples that can be written to the buffer.
func (rb *RingBuffer[T]) availableWrite() int {
	if rb.writeIndex >= rb.readIndex {
		return rb.size - (rb.writeIndex - rb.readIndex) - 1
	}
	return rb.readIndex - rb.writeIndex - 1
}

// availableRead returns the number of samples available for reading.
func (rb *RingBuffer[T]) availableRead() int {
	if rb.writeIndex >= rb.readIndex {
		return rb.writeIndex - rb.readIndex
	}
	return rb.size - rb.readIndex + rb.writeIndex
}

// Len returns the number of buffered samples.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.availableRead()
}

// Dropped returns how many samples DropOldest has discarded.
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

// Close marks the buffer as closed, indicating no more writes will occur.
// Readers drain what is left and then see io.EOF.
func (rb *RingBuffer[T]) Close() {
	rb.CloseWithError(nil)
}

// CloseWithError closes the buffer. Readers see err once the buffer is
// drained; a nil err reads as io.EOF.
func (rb *RingBuffer[T]) CloseWithError(err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.err = err
	rb.cond.Broadcast()
}

// Write adds data to the buffer. Under Block it waits until space is
// available; under DropOldest it never waits. It returns io.ErrClosedPipe
// once the buffer is closed.
func (rb *RingBuffer[T]) Write(data []T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := 0; i < len(data); {
		if rb.closed {
			return io.ErrClosedPipe
		}

		if rb.availableWrite() == 0 {
			if rb.policy == Block {
				rb.cond.Wait()
				continue
			}
			need := len(data) - i
			if max := rb.size - 1; need > max {
				need = max
			}
			if avail := rb.availableRead(); need > avail {
				need = avail
			}
			rb.readIndex = (rb.readIndex + need) % rb.size
			rb.dropped += uint64(need)
		}

		// Copy in one or two chunks.
		var written int
		if rb.writeIndex >= rb.readIndex {
			end := rb.size
			if rb.readIndex == 0 {
				end = rb.size - 1
			}
			written = copy(rb.buf[rb.writeIndex:end], data[i:])
			rb.writeIndex = (rb.writeIndex + written) % rb.size
		} else {
			written = copy(rb.buf[rb.writeIndex:rb.readIndex-1], data[i:])
			rb.writeIndex += written
		}
		i += written
		rb.cond.Broadcast()
	}
	return nil
}

// Read fills dst, blocking until len(dst) samples are available or the
// buffer is closed. A dst larger than the buffer's capacity gets at most
// size-1 samples per call. After close it returns what is left, then 0 and
// the close error (io.EOF for a clean close).
func (rb *RingBuffer[T]) Read(dst []T) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(dst)
	if n > rb.size-1 {
		n = rb.size - 1
	}
	for !rb.closed && rb.availableRead() < n {
		rb.cond.Wait()
	}

	readSize := n
	if avail := rb.availableRead(); avail < readSize {
		readSize = avail
	}
	if readSize == 0 {
		if rb.err != nil {
			return 0, rb.err
		}
		return 0, io.EOF
	}

	if rb.readIndex+readSize <= rb.size {
		copy(dst, rb.buf[rb.readIndex:rb.readIndex+readSize])
	} else {
		part1 := rb.size - rb.readIndex
		copy(dst, rb.buf[rb.readIndex:])
		copy(dst[part1:], rb.buf[0:readSize-part1])
	}
	rb.readIndex = (rb.readIndex + readSize) % rb.size
	rb.cond.Broadcast()
	return readSize, nil
}

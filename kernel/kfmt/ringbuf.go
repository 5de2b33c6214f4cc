package kfmt

import "io"

// ringBufferSize is the capacity of the early log buffer. It must be a power
// of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize-1 bytes written to it. Once
// full, each new byte evicts the oldest one.
type ringBuffer struct {
	data       [ringBufferSize]byte
	head, tail int
}

// Write appends p to the buffer, overwriting the oldest data if required.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[rb.tail] = b
		rb.tail = (rb.tail + 1) & (ringBufferSize - 1)
		if rb.tail == rb.head {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.head == rb.tail {
		return 0, io.EOF
	}

	// Copy the contiguous run that starts at head; a wrapped buffer needs
	// a second Read call for the part at the start of data.
	runEnd := rb.tail
	if rb.tail < rb.head {
		runEnd = ringBufferSize
	}

	n := copy(p, rb.data[rb.head:runEnd])
	rb.head = (rb.head + n) & (ringBufferSize - 1)
	return n, nil
}

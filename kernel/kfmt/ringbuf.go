package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It holds the contents of a full 80x25 text-mode screen, which is
// more than the init stage logs before a console driver attaches. The size
// must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer captures the output of Printf while no output sink is
// registered. Once full, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// wrap maps an index into the buffer range.
func wrap(index int) int {
	return index & (ringBufferSize - 1)
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = wrap(rb.wIndex + 1)

		// Drop the oldest byte when the writer catches up with the reader
		if rb.rIndex == rb.wIndex {
			rb.rIndex = wrap(rb.rIndex + 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read
// (0 <= n <= len(p)) and io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	var limit int

	switch {
	case rb.rIndex == rb.wIndex:
		return 0, io.EOF
	case rb.rIndex < rb.wIndex:
		limit = rb.wIndex
	default:
		// Data wraps around; read up to the end of the backing array and
		// let the next call continue from the start.
		limit = len(rb.buffer)
	}

	n := copy(p, rb.buffer[rb.rIndex:limit])
	rb.rIndex = wrap(rb.rIndex + n)
	return n, nil
}

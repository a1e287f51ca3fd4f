package audio

import "sync/atomic"

// Ring is a fixed-capacity FIFO of int16 samples with single-producer
// single-consumer discipline: exactly one goroutine calls Write and exactly
// one calls Read. Within that discipline it is lock-free; positions are
// monotonic atomic counters, so each side sees a consistent (possibly
// slightly stale) view of the other.
//
// The overrun policy is drop-newest: a Write that does not fully fit accepts
// the prefix that fits and drops the rest, incrementing the dropped counter.
// Write never blocks, which keeps the capture task inside its frame period.
// A Read from an empty ring returns 0; underrun is not an error.
type Ring struct {
	buf []int16

	// Monotonic sample counters. written and read only grow; the cursor
	// into buf is counter % len(buf). written is stored by the producer and
	// loaded by the consumer, read the other way around.
	written atomic.Uint64
	read    atomic.Uint64
	dropped atomic.Uint64
}

// NewRing creates a ring buffer holding up to capacity samples.
// Capacity must be positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]int16, capacity)}
}

// Capacity returns the fixed sample capacity.
func (r *Ring) Capacity() int { return len(r.buf) }

// Write copies as many samples from p as fit and returns the accepted
// count. Samples that do not fit are dropped (drop-newest) and counted.
// Producer-side only.
func (r *Ring) Write(p []int16) int {
	w := r.written.Load()
	rd := r.read.Load()
	free := len(r.buf) - int(w-rd)

	n := len(p)
	if n > free {
		n = free
	}
	if n > 0 {
		pos := int(w % uint64(len(r.buf)))
		first := copy(r.buf[pos:], p[:n])
		if first < n {
			copy(r.buf, p[first:n])
		}
		// Publish after the samples are in place so the consumer never
		// reads unwritten slots.
		r.written.Store(w + uint64(n))
	}
	if n < len(p) {
		r.dropped.Add(uint64(len(p) - n))
	}
	return n
}

// Read copies up to len(dst) samples into dst and returns the produced
// count. Returns 0 when the ring is empty. Consumer-side only.
func (r *Ring) Read(dst []int16) int {
	rd := r.read.Load()
	w := r.written.Load()
	avail := int(w - rd)

	n := len(dst)
	if n > avail {
		n = avail
	}
	if n > 0 {
		pos := int(rd % uint64(len(r.buf)))
		first := copy(dst[:n], r.buf[pos:])
		if first < n {
			copy(dst[first:n], r.buf)
		}
		r.read.Store(rd + uint64(n))
	}
	return n
}

// Available returns the number of samples ready to read. The value is
// eventually consistent when called from a goroutine other than the
// consumer.
func (r *Ring) Available() int {
	return int(r.written.Load() - r.read.Load())
}

// Free returns the number of samples that can be written without dropping.
func (r *Ring) Free() int {
	return len(r.buf) - r.Available()
}

// Dropped returns the total number of samples discarded by the drop-newest
// overrun policy since creation or the last Reset.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Written returns the total number of samples accepted since creation or
// the last Reset.
func (r *Ring) Written() uint64 { return r.written.Load() }

// Reset empties the ring and zeroes all counters. Not safe to call while a
// producer or consumer is active; quiesce both sides first.
func (r *Ring) Reset() {
	r.written.Store(0)
	r.read.Store(0)
	r.dropped.Store(0)
}

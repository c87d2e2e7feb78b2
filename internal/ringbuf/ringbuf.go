// Package ringbuf implements a growable power-of-two ring buffer over an
// ordered element type, supporting binary search and mid-buffer insertion.
//
// Adapted from the sliding-window event buffer used by the rate limiter in
// the retrieval pack (catrate/ring.go): that buffer tracked event
// timestamps per rate-limited category. The estimator package does not use
// it; the stream package uses this package's Bits for a stream's trailing
// seek history, used to detect "seeky" streams.
package ringbuf

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Buffer is a ring buffer of ordered elements, growable on insert, with
// O(log n) search and O(1) amortized append at the back.
type Buffer[E constraints.Ordered] struct {
	s    []E
	r, w uint
}

// New creates a buffer with the given initial capacity, which must be a
// power of two.
func New[E constraints.Ordered](size int) *Buffer[E] {
	if size <= 0 || size&(size-1) != 0 {
		panic("ringbuf: size must be a power of 2")
	}
	return &Buffer[E]{s: make([]E, size)}
}

func (x *Buffer[E]) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *Buffer[E]) bounds() (i1, l1, l2 int) {
	if x.r == x.w {
		return
	}
	i1 = int(x.mask(x.r))
	l1 = int(x.mask(x.w))
	if l1 <= i1 {
		l2 = l1
		l1 = len(x.s)
	}
	return
}

// Len returns the number of elements currently stored.
func (x *Buffer[E]) Len() int { return int(x.w - x.r) }

// Cap returns the current backing capacity.
func (x *Buffer[E]) Cap() int { return len(x.s) }

// Get returns the element at logical index i, where 0 is the oldest.
func (x *Buffer[E]) Get(i int) E {
	if i < 0 || i >= x.Len() {
		panic("ringbuf: get: index out of range")
	}
	return x.s[x.mask(x.r+uint(i))]
}

// Slice materializes the buffer contents, oldest first.
func (x *Buffer[E]) Slice() (b []E) {
	if l := x.Len(); l != 0 {
		b = make([]E, l)
		i1, l1, l2 := x.bounds()
		copy(b, x.s[i1:l1])
		copy(b[l1-i1:], x.s[:l2])
	}
	return b
}

// RemoveBefore drops the first index elements (the oldest).
func (x *Buffer[E]) RemoveBefore(index int) {
	if index < 0 || index > x.Len() {
		panic("ringbuf: remove before: index out of range")
	}
	x.r += uint(index)
}

// Search returns the index of the first element >= value, using binary
// search; the buffer must be sorted for this to be meaningful.
func (x *Buffer[E]) Search(value E) int {
	return sort.Search(x.Len(), func(i int) bool {
		return x.Get(i) >= value
	})
}

// PushBack appends value as the newest element, growing the buffer if full.
func (x *Buffer[E]) PushBack(value E) {
	x.Insert(x.Len(), value)
}

// Insert places value at logical index, shifting subsequent elements back.
func (x *Buffer[E]) Insert(index int, value E) {
	l := x.Len()
	if index < 0 || index > l {
		panic("ringbuf: insert: index out of range")
	}

	if l == len(x.s) {
		// full: grow and relinearize
		s := make([]E, uint(len(x.s))<<1)
		if len(s) == 0 {
			panic("ringbuf: insert: overflow")
		}

		i1, l1, l2 := x.bounds()
		l = l1 - i1
		if index < l {
			copy(s, x.s[i1:i1+index])
			s[index] = value
			copy(s[index+1:], x.s[i1+index:l1])
			l++
			copy(s[l:], x.s[:l2])
			l += l2
		} else {
			copy(s, x.s[i1:l1])
			copy(s[l:], x.s[:index-l])
			s[index] = value
			copy(s[index+1:], x.s[index-l:l2])
			l += l2 + 1
		}

		x.r = 0
		x.w = uint(l)
		x.s = s
		return
	}

	var i, j int
	if l == 0 {
		x.r = 0
		x.w = 0
	} else {
		i = int(x.mask(x.r))
		j = int(x.mask(x.w))
	}

	if l == 0 || i < j {
		copy(x.s[i+index+1:], x.s[i+index:j])
		x.s[i+index] = value
		x.w++
		return
	}

	if index >= len(x.s)-i {
		index -= len(x.s) - i
		copy(x.s[index+1:], x.s[index:j])
		x.s[index] = value
		x.w++
		return
	}

	// wraps, and both segments need adjusting: write index into the first
	// segment (at the end of the buffer), where j is the length of the
	// second (wrapped-around) segment.
	copy(x.s[1:], x.s[:j])
	x.s[0] = x.s[len(x.s)-1]
	copy(x.s[i+index+1:], x.s[i+index:])
	x.s[i+index] = value
	x.w++
}

// Reset discards all elements.
func (x *Buffer[E]) Reset() {
	x.r, x.w = 0, 0
}

// Bits is a fixed-width shift register recording the last N boolean
// outcomes (e.g. "was this request a seek") as a bitmap, with a
// population-count helper. It is the representation used by
// Stream.seekHistory (§3) and the GLOSSARY's seeky-stream definition.
type Bits uint32

// Push shifts in a new outcome, discarding the oldest of the 32 bits.
func (b *Bits) Push(seek bool) {
	*b <<= 1
	if seek {
		*b |= 1
	}
}

// PopCount returns the number of set bits.
func (b Bits) PopCount() int {
	n := 0
	v := uint32(b)
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

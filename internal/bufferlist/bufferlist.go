// Package bufferlist provides a segmented byte buffer whose segments are
// shared between views rather than copied.
//
// A List behaves like one logical buffer made of several independently
// allocated regions. Substr and Append only ever share the underlying
// memory; writing through one view is visible through every view of the
// same region. Only the Rebuild family, Bytes on a multi-segment list and
// the zero helpers allocate.
package bufferlist

import (
	"bytes"
	"fmt"
)

// List is an ordered sequence of non-empty byte segments.
// The zero value is an empty list ready to use.
type List struct {
	segs [][]byte
	n    uint64
}

// New returns a list viewing the given buffers in order. Empty buffers
// are skipped.
func New(bufs ...[]byte) List {
	var l List
	for _, b := range bufs {
		l.Append(b)
	}
	return l
}

// Zeros returns a list holding one freshly allocated zeroed segment.
func Zeros(n uint64) List {
	var l List
	l.AppendZero(n)
	return l
}

// Len returns the total number of bytes in the list.
func (l List) Len() uint64 { return l.n }

// Empty reports whether the list holds no bytes.
func (l List) Empty() bool { return l.n == 0 }

// NumSegments returns the number of underlying segments.
func (l List) NumSegments() int { return len(l.segs) }

// Segment returns segment i. The returned slice aliases the list memory.
func (l List) Segment(i int) []byte { return l.segs[i] }

// Segments returns the segment headers. The slice of headers is a copy, the
// bytes are not.
func (l List) Segments() [][]byte {
	out := make([][]byte, len(l.segs))
	copy(out, l.segs)
	return out
}

// Append adds b as a new trailing segment without copying it.
func (l *List) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	// Full slice expression so that views sharing the header array never
	// see each other's appends.
	l.segs = append(l.segs[:len(l.segs):len(l.segs)], b)
	l.n += uint64(len(b))
}

// AppendList appends every segment of o.
func (l *List) AppendList(o List) {
	if o.n == 0 {
		return
	}
	segs := make([][]byte, 0, len(l.segs)+len(o.segs))
	segs = append(segs, l.segs...)
	segs = append(segs, o.segs...)
	l.segs = segs
	l.n += o.n
}

// AppendZero appends n zero bytes in a new segment.
func (l *List) AppendZero(n uint64) {
	if n == 0 {
		return
	}
	l.Append(make([]byte, n))
}

// PrependZero inserts n zero bytes in a new leading segment.
func (l *List) PrependZero(n uint64) {
	if n == 0 {
		return
	}
	segs := make([][]byte, 0, len(l.segs)+1)
	segs = append(segs, make([]byte, n))
	segs = append(segs, l.segs...)
	l.segs = segs
	l.n += n
}

// Substr returns a view of [off, off+length). It panics if the range is not
// inside the list.
func (l List) Substr(off, length uint64) List {
	if off+length > l.n || off+length < off {
		panic(fmt.Sprintf("bufferlist: substr %d~%d out of range (len %d)", off, length, l.n))
	}
	var out List
	if length == 0 {
		return out
	}
	remaining := length
	for _, seg := range l.segs {
		sl := uint64(len(seg))
		if off >= sl {
			off -= sl
			continue
		}
		take := sl - off
		if take > remaining {
			take = remaining
		}
		out.Append(seg[off : off+take : off+take])
		remaining -= take
		off = 0
		if remaining == 0 {
			break
		}
	}
	return out
}

// Bytes returns the content as one contiguous slice. A single-segment list
// returns its segment (no copy); otherwise the bytes are copied.
func (l List) Bytes() []byte {
	switch len(l.segs) {
	case 0:
		return nil
	case 1:
		return l.segs[0]
	}
	out := make([]byte, 0, l.n)
	for _, seg := range l.segs {
		out = append(out, seg...)
	}
	return out
}

// CopyTo copies the content into dst and returns the number of bytes copied.
func (l List) CopyTo(dst []byte) int {
	n := 0
	for _, seg := range l.segs {
		if n >= len(dst) {
			break
		}
		n += copy(dst[n:], seg)
	}
	return n
}

// Equal reports whether both lists hold identical bytes, regardless of how
// they are segmented.
func (l List) Equal(o List) bool {
	if l.n != o.n {
		return false
	}
	return bytes.Equal(l.Bytes(), o.Bytes())
}

// IsAligned reports whether every segment starts on an alignMemory address
// boundary and has a length that is a multiple of alignSize.
func (l List) IsAligned(alignSize, alignMemory uint64) bool {
	for _, seg := range l.segs {
		if !IsAlignedPtr(seg, alignMemory) {
			return false
		}
		if alignSize != 0 && uint64(len(seg))%alignSize != 0 {
			return false
		}
	}
	return true
}

// RebuildAlignedSizeAndMemory makes the list a single freshly allocated
// segment aligned to alignMemory unless every segment is already aligned
// (see IsAligned). It reports whether a rebuild happened.
func (l *List) RebuildAlignedSizeAndMemory(alignSize, alignMemory uint64) bool {
	if l.n == 0 || l.IsAligned(alignSize, alignMemory) {
		return false
	}
	l.RebuildAligned(alignMemory)
	return true
}

// RebuildAligned copies the content into one segment aligned to alignMemory.
func (l *List) RebuildAligned(alignMemory uint64) {
	if l.n == 0 {
		return
	}
	buf := AlignedAlloc(l.n, alignMemory)
	l.CopyTo(buf)
	l.segs = [][]byte{buf}
}

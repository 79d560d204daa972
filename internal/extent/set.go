// Package extent implements ordered sets of byte ranges and ordered maps from
// byte offsets to buffer content.
package extent

import (
	"fmt"
	"math"
	"strings"
)

// Range is a half-open byte range [Off, Off+Len).
type Range struct {
	Off uint64
	Len uint64
}

// End returns the first offset past the range.
func (r Range) End() uint64 { return r.Off + r.Len }

func (r Range) String() string { return fmt.Sprintf("%d~%d", r.Off, r.Len) }

// Set is a set of disjoint, non-adjacent byte ranges kept in offset order.
// Touching or overlapping inserts are coalesced. Mutating methods never
// write into a range slice that another Set value may share.
type Set struct {
	r []Range
}

// NewSet returns a set containing one range (or nothing if length is zero).
func NewSet(off, length uint64) Set {
	var s Set
	s.Insert(off, length)
	return s
}

// Insert adds [off, off+length) to the set.
func (s *Set) Insert(off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length
	out := make([]Range, 0, len(s.r)+1)
	i := 0
	for i < len(s.r) && s.r[i].End() < off {
		out = append(out, s.r[i])
		i++
	}
	for i < len(s.r) && s.r[i].Off <= end {
		off = min(off, s.r[i].Off)
		end = max(end, s.r[i].End())
		i++
	}
	out = append(out, Range{Off: off, Len: end - off})
	out = append(out, s.r[i:]...)
	s.r = out
}

// Union adds every range of o.
func (s *Set) Union(o Set) {
	for _, r := range o.r {
		s.Insert(r.Off, r.Len)
	}
}

// Erase removes [off, off+length) from the set.
func (s *Set) Erase(off, length uint64) {
	if length == 0 || len(s.r) == 0 {
		return
	}
	end := off + length
	if end < off {
		end = math.MaxUint64
	}
	out := make([]Range, 0, len(s.r)+1)
	for _, r := range s.r {
		if r.End() <= off || r.Off >= end {
			out = append(out, r)
			continue
		}
		if r.Off < off {
			out = append(out, Range{Off: r.Off, Len: off - r.Off})
		}
		if r.End() > end {
			out = append(out, Range{Off: end, Len: r.End() - end})
		}
	}
	s.r = out
}

// EraseAfter removes everything at or beyond off.
func (s *Set) EraseAfter(off uint64) {
	s.Erase(off, math.MaxUint64-off)
}

// Subtract removes every range of o.
func (s *Set) Subtract(o Set) {
	for _, r := range o.r {
		s.Erase(r.Off, r.Len)
	}
}

// Intersection returns the ranges present in both a and b.
func Intersection(a, b Set) Set {
	var out Set
	i, j := 0, 0
	for i < len(a.r) && j < len(b.r) {
		lo := max(a.r[i].Off, b.r[j].Off)
		hi := min(a.r[i].End(), b.r[j].End())
		if lo < hi {
			out.r = append(out.r, Range{Off: lo, Len: hi - lo})
		}
		if a.r[i].End() < b.r[j].End() {
			i++
		} else {
			j++
		}
	}
	return out
}

// Contains reports whether [off, off+length) is fully inside one range.
func (s Set) Contains(off, length uint64) bool {
	if length == 0 {
		return true
	}
	for _, r := range s.r {
		if r.Off > off {
			return false
		}
		if r.End() >= off+length {
			return true
		}
	}
	return false
}

// ContainsSet reports whether every range of o is inside s.
func (s Set) ContainsSet(o Set) bool {
	for _, r := range o.r {
		if !s.Contains(r.Off, r.Len) {
			return false
		}
	}
	return true
}

// Intersects reports whether any byte of [off, off+length) is in the set.
func (s Set) Intersects(off, length uint64) bool {
	for _, r := range s.r {
		if r.Off < off+length && off < r.End() {
			return true
		}
	}
	return false
}

// Empty reports whether the set holds no ranges.
func (s Set) Empty() bool { return len(s.r) == 0 }

// NumIntervals returns the number of disjoint ranges.
func (s Set) NumIntervals() int { return len(s.r) }

// Size returns the total number of bytes covered.
func (s Set) Size() uint64 {
	var n uint64
	for _, r := range s.r {
		n += r.Len
	}
	return n
}

// RangeStart returns the lowest offset in the set, or 0 if empty.
func (s Set) RangeStart() uint64 {
	if len(s.r) == 0 {
		return 0
	}
	return s.r[0].Off
}

// RangeEnd returns the offset past the highest byte in the set, or 0 if empty.
func (s Set) RangeEnd() uint64 {
	if len(s.r) == 0 {
		return 0
	}
	return s.r[len(s.r)-1].End()
}

// Ranges returns a copy of the ranges in offset order.
func (s Set) Ranges() []Range {
	out := make([]Range, len(s.r))
	copy(out, s.r)
	return out
}

// Equal reports whether both sets cover exactly the same bytes.
func (s Set) Equal(o Set) bool {
	if len(s.r) != len(o.r) {
		return false
	}
	for i := range s.r {
		if s.r[i] != o.r[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	return Set{r: s.Ranges()}
}

func (s Set) String() string {
	parts := make([]string, len(s.r))
	for i, r := range s.r {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

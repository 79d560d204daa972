package extent

import (
	"fmt"
	"math"
	"strings"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
)

// Extent is one contiguous run of content in a Map.
type Extent struct {
	Off uint64
	Buf bufferlist.List
}

// Len returns the extent length in bytes.
func (e Extent) Len() uint64 { return e.Buf.Len() }

// End returns the first offset past the extent.
func (e Extent) End() uint64 { return e.Off + e.Buf.Len() }

// Map is an ordered map from byte offset to buffer content. Inserting over
// existing bytes replaces them; extents that end up touching are merged
// into one extent (their buffers are concatenated, not copied).
type Map struct {
	ext []Extent
}

// Insert places buf at off, replacing any content in [off, off+len(buf)).
func (m *Map) Insert(off uint64, buf bufferlist.List) {
	if buf.Len() == 0 {
		return
	}
	m.Erase(off, buf.Len())
	end := off + buf.Len()

	i := m.lowerBound(off)
	merged := Extent{Off: off, Buf: buf}
	lo, hi := i, i
	if i > 0 && m.ext[i-1].End() == off {
		var b bufferlist.List
		b.AppendList(m.ext[i-1].Buf)
		b.AppendList(buf)
		merged = Extent{Off: m.ext[i-1].Off, Buf: b}
		lo = i - 1
	}
	if i < len(m.ext) && m.ext[i].Off == end {
		var b bufferlist.List
		b.AppendList(merged.Buf)
		b.AppendList(m.ext[i].Buf)
		merged.Buf = b
		hi = i + 1
	}

	out := make([]Extent, 0, len(m.ext)+1)
	out = append(out, m.ext[:lo]...)
	out = append(out, merged)
	out = append(out, m.ext[hi:]...)
	m.ext = out
}

// InsertMap inserts every extent of o.
func (m *Map) InsertMap(o Map) {
	for _, e := range o.ext {
		m.Insert(e.Off, e.Buf)
	}
}

// Erase removes content in [off, off+length). Extents straddling the
// boundaries are trimmed to views of their remaining bytes.
func (m *Map) Erase(off, length uint64) {
	if length == 0 || len(m.ext) == 0 {
		return
	}
	end := off + length
	if end < off {
		end = math.MaxUint64
	}
	out := make([]Extent, 0, len(m.ext)+1)
	for _, e := range m.ext {
		if e.End() <= off || e.Off >= end {
			out = append(out, e)
			continue
		}
		if e.Off < off {
			out = append(out, Extent{Off: e.Off, Buf: e.Buf.Substr(0, off-e.Off)})
		}
		if e.End() > end {
			out = append(out, Extent{Off: end, Buf: e.Buf.Substr(end-e.Off, e.End()-end)})
		}
	}
	m.ext = out
}

// EraseAfter removes everything at or beyond off.
func (m *Map) EraseAfter(off uint64) {
	m.Erase(off, math.MaxUint64-off)
}

// Intersect returns a map viewing the content in [off, off+length).
func (m Map) Intersect(off, length uint64) Map {
	var out Map
	end := off + length
	for _, e := range m.ext {
		if e.End() <= off || e.Off >= end {
			continue
		}
		lo := max(off, e.Off)
		hi := min(end, e.End())
		out.ext = append(out.ext, Extent{Off: lo, Buf: e.Buf.Substr(lo-e.Off, hi-lo)})
	}
	return out
}

// Find returns the extent fully containing [off, off+length).
func (m Map) Find(off, length uint64) (Extent, bool) {
	i := m.lowerBound(off)
	if i > 0 && m.ext[i-1].End() > off {
		i--
	}
	if i >= len(m.ext) {
		return Extent{}, false
	}
	e := m.ext[i]
	if e.Off > off || e.End() < off+length {
		return Extent{}, false
	}
	return e, true
}

// Contains reports whether every byte of [off, off+length) is present.
func (m Map) Contains(off, length uint64) bool {
	if length == 0 {
		return true
	}
	_, ok := m.Find(off, length)
	return ok
}

// Empty reports whether the map holds no content.
func (m Map) Empty() bool { return len(m.ext) == 0 }

// NumExtents returns the number of extents.
func (m Map) NumExtents() int { return len(m.ext) }

// At returns extent i in offset order.
func (m Map) At(i int) Extent { return m.ext[i] }

// Extents returns a copy of the extent list in offset order.
func (m Map) Extents() []Extent {
	out := make([]Extent, len(m.ext))
	copy(out, m.ext)
	return out
}

// StartOff returns the offset of the first extent, or 0 if empty.
func (m Map) StartOff() uint64 {
	if len(m.ext) == 0 {
		return 0
	}
	return m.ext[0].Off
}

// EndOff returns the end of the last extent, or 0 if empty.
func (m Map) EndOff() uint64 {
	if len(m.ext) == 0 {
		return 0
	}
	return m.ext[len(m.ext)-1].End()
}

// Size returns the number of bytes stored.
func (m Map) Size() uint64 {
	var n uint64
	for _, e := range m.ext {
		n += e.Len()
	}
	return n
}

// IntervalSet returns the ranges covered by the map.
func (m Map) IntervalSet() Set {
	var s Set
	for _, e := range m.ext {
		s.r = append(s.r, Range{Off: e.Off, Len: e.Len()})
	}
	return s
}

// Clone returns a map with its own extent list. Buffer memory is shared.
func (m Map) Clone() Map {
	return Map{ext: m.Extents()}
}

func (m Map) String() string {
	parts := make([]string, len(m.ext))
	for i, e := range m.ext {
		parts[i] = fmt.Sprintf("%d~%d", e.Off, e.Len())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// lowerBound returns the index of the first extent starting at or after off.
func (m Map) lowerBound(off uint64) int {
	lo, hi := 0, len(m.ext)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.ext[mid].Off < off {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

package ecutil

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
	"github.com/kunal-geeks/ecstripe/internal/extent"
	"github.com/kunal-geeks/ecstripe/internal/shardmap"
)

// InvalidOffset marks the bounds of an empty ShardExtentMap.
const InvalidOffset uint64 = math.MaxUint64

// ShardExtentMap holds buffer content per shard, keyed by shard offset, and
// tracks the aggregate bounds of that content:
//   - ROStart/ROEnd: the RO range implied by the data shards;
//   - StartOffset/EndOffset: the shard offset window shared by all shards.
//
// Buffers are shared, not copied: slicing, intersecting and inserting all
// produce views of the same memory. No shard is ever kept with empty
// content.
type ShardExtentMap struct {
	sinfo       *StripeInfo
	maps        *shardmap.Map[*extent.Map]
	roStart     uint64
	roEnd       uint64
	startOffset uint64
	endOffset   uint64
}

// NewShardExtentMap returns an empty map for the given geometry.
func NewShardExtentMap(sinfo *StripeInfo) *ShardExtentMap {
	return &ShardExtentMap{
		sinfo:       sinfo,
		maps:        shardmap.New[*extent.Map](sinfo.KPlusM()),
		roStart:     InvalidOffset,
		roEnd:       InvalidOffset,
		startOffset: InvalidOffset,
		endOffset:   InvalidOffset,
	}
}

func (m *ShardExtentMap) StripeInfo() *StripeInfo { return m.sinfo }
func (m *ShardExtentMap) ROStart() uint64         { return m.roStart }
func (m *ShardExtentMap) ROEnd() uint64           { return m.roEnd }
func (m *ShardExtentMap) StartOffset() uint64     { return m.startOffset }
func (m *ShardExtentMap) EndOffset() uint64       { return m.endOffset }

// Empty reports whether no shard holds content.
func (m *ShardExtentMap) Empty() bool { return m.maps.Empty() }

// Shards returns the shard ids holding content, ascending.
func (m *ShardExtentMap) Shards() []int { return m.maps.Keys() }

// Contains reports whether shard holds any content.
func (m *ShardExtentMap) Contains(shard int) bool { return m.maps.Contains(shard) }

// ContainsSet reports whether every range of set is present. A nil set is
// trivially contained.
func (m *ShardExtentMap) ContainsSet(set *ShardExtentSet) bool {
	if set == nil {
		return true
	}
	for shard, eset := range set.All() {
		em, ok := m.maps.Get(shard)
		if !ok || !em.IntervalSet().ContainsSet(eset) {
			return false
		}
	}
	return true
}

// ExtentMap returns a copy of the extent list of shard.
func (m *ShardExtentMap) ExtentMap(shard int) (extent.Map, bool) {
	em, ok := m.maps.Get(shard)
	if !ok {
		return extent.Map{}, false
	}
	return em.Clone(), true
}

// Size returns the number of bytes stored across all shards.
func (m *ShardExtentMap) Size() uint64 {
	var n uint64
	for _, em := range m.maps.All() {
		n += em.Size()
	}
	return n
}

// Clear drops all content.
func (m *ShardExtentMap) Clear() {
	m.maps.Clear()
	m.roStart, m.roEnd = InvalidOffset, InvalidOffset
	m.startOffset, m.endOffset = InvalidOffset, InvalidOffset
}

// Clone returns a map with its own extent lists viewing the same buffers.
func (m *ShardExtentMap) Clone() *ShardExtentMap {
	out := NewShardExtentMap(m.sinfo)
	for shard, em := range m.maps.All() {
		c := em.Clone()
		out.maps.Set(shard, &c)
	}
	out.roStart, out.roEnd = m.roStart, m.roEnd
	out.startOffset, out.endOffset = m.startOffset, m.endOffset
	return out
}

// InsertInShard inserts buf at shard offset off. RO bounds are derived from
// the geometry; parity shards only widen the physical bounds.
func (m *ShardExtentMap) InsertInShard(shard int, off uint64, buf bufferlist.List) {
	if buf.Len() == 0 {
		return
	}
	end := off + buf.Len()
	m.emap(shard).Insert(off, buf)
	m.widen(off, end)
	if raw := m.sinfo.RawShard(shard); raw < m.sinfo.K() {
		m.widenRO(m.sinfo.CalcROOffset(raw, off), m.sinfo.CalcROEnd(raw, end))
	}
}

// InsertInShardWithRO is InsertInShard for callers that already know the RO
// range the buffer belongs to.
func (m *ShardExtentMap) InsertInShardWithRO(shard int, off uint64, buf bufferlist.List, roStart, roEnd uint64) {
	if buf.Len() == 0 {
		return
	}
	m.emap(shard).Insert(off, buf)
	m.widen(off, off+buf.Len())
	m.widenRO(roStart, roEnd)
}

// Insert merges the content of other, shard by shard.
func (m *ShardExtentMap) Insert(other *ShardExtentMap) {
	if other.Empty() {
		return
	}
	for shard, em := range other.maps.All() {
		m.emap(shard).InsertMap(*em)
	}
	m.computeRORange()
}

// InsertROExtentMap rearranges an RO-addressed extent map into shards. No
// parity is computed.
func (m *ShardExtentMap) InsertROExtentMap(host extent.Map) {
	for _, e := range host.Extents() {
		m.sinfo.RORangeToShardExtentMap(e.Off, e.Len(), e.Buf, m)
	}
}

// InsertROZeroBuffer inserts zeros over an RO range.
func (m *ShardExtentMap) InsertROZeroBuffer(roOffset, roLength uint64) {
	m.sinfo.RORangeToShardExtentMap(roOffset, roLength, bufferlist.Zeros(roLength), m)
}

// AppendZerosToROOffset zero-fills from the current RO end up to (not
// including) roOffset.
func (m *ShardExtentMap) AppendZerosToROOffset(roOffset uint64) {
	end := m.roEnd
	if end == InvalidOffset {
		end = 0
	}
	if roOffset <= end {
		return
	}
	m.InsertROZeroBuffer(end, roOffset-end)
}

// ExtentSuperset returns the union of the shard ranges of every shard.
func (m *ShardExtentMap) ExtentSuperset() extent.Set {
	var out extent.Set
	for _, em := range m.maps.All() {
		out.Union(em.IntervalSet())
	}
	return out
}

// ExtentSet returns the ranges present on each shard.
func (m *ShardExtentMap) ExtentSet() *ShardExtentSet {
	out := NewShardExtentSet(m.sinfo.KPlusM())
	for shard, em := range m.maps.All() {
		out.Union(shard, em.IntervalSet())
	}
	return out
}

// InsertParityBuffers makes sure every parity shard has a buffer for every
// range held by any shard, ready to receive encode output. Ranges a parity
// shard already holds are left alone. New buffers are SIMD aligned and
// their content is unspecified.
func (m *ShardExtentMap) InsertParityBuffers() {
	encodeSet := m.ExtentSuperset()
	for _, shard := range m.sinfo.ParityShards() {
		for _, r := range encodeSet.Ranges() {
			if em, ok := m.maps.Get(shard); ok && em.Contains(r.Off, r.Len) {
				continue
			}
			buf := bufferlist.New(bufferlist.AlignedAlloc(r.Len, bufferlist.SIMDAlign))
			m.emap(shard).Insert(r.Off, buf)
		}
	}
}

// Intersect returns a new map holding only the content inside set. A nil set
// yields an empty map.
func (m *ShardExtentMap) Intersect(set *ShardExtentSet) *ShardExtentMap {
	out := NewShardExtentMap(m.sinfo)
	if set == nil {
		return out
	}
	for shard, eset := range set.All() {
		em, ok := m.maps.Get(shard)
		if !ok {
			continue
		}
		var tmp extent.Map
		for _, r := range extent.Intersection(em.IntervalSet(), eset).Ranges() {
			if buf, ok := m.GetBuffer(shard, r.Off, r.Len); ok {
				tmp.Insert(r.Off, buf)
			}
		}
		if !tmp.Empty() {
			out.maps.Set(shard, &tmp)
		}
	}
	out.computeRORange()
	return out
}

// IntersectRORange returns a new map holding only the data shard content
// that belongs to the RO range [roOffset, roOffset+roLength).
func (m *ShardExtentMap) IntersectRORange(roOffset, roLength uint64) *ShardExtentMap {
	if m.Empty() {
		return NewShardExtentMap(m.sinfo)
	}
	// Common: the request covers everything.
	if roOffset <= m.roStart && roOffset+roLength >= m.roEnd {
		return m.Clone()
	}
	// Common: no overlap at all.
	if roOffset >= m.roEnd || roOffset+roLength <= m.roStart {
		return NewShardExtentMap(m.sinfo)
	}
	set := NewShardExtentSet(m.sinfo.KPlusM())
	m.sinfo.RORangeToShardExtentSet(roOffset, roLength, set)
	return m.Intersect(set)
}

// SliceMap returns a new map restricted to shard offsets
// [offset, offset+length) on every shard.
func (m *ShardExtentMap) SliceMap(offset, length uint64) *ShardExtentMap {
	if m.Empty() {
		return NewShardExtentMap(m.sinfo)
	}
	if offset <= m.startOffset && offset+length >= m.endOffset {
		return m.Clone()
	}
	out := NewShardExtentMap(m.sinfo)
	if offset >= m.endOffset || offset+length <= m.startOffset {
		return out
	}
	for shard, em := range m.maps.All() {
		sub := em.Intersect(offset, length)
		if !sub.Empty() {
			out.maps.Set(shard, &sub)
		}
	}
	out.computeRORange()
	return out
}

// GetBuffer returns a view of [offset, offset+length) on shard. If the range
// is not fully present the result is empty and ok is false.
func (m *ShardExtentMap) GetBuffer(shard int, offset, length uint64) (buf bufferlist.List, ok bool) {
	em, ok := m.maps.Get(shard)
	if !ok {
		return buf, false
	}
	e, ok := em.Find(offset, length)
	if !ok {
		return buf, false
	}
	if e.Off == offset && e.Len() == length {
		return e.Buf, true
	}
	return e.Buf.Substr(offset-e.Off, length), true
}

// ShardFirstBuffer returns the first extent's buffer on shard.
func (m *ShardExtentMap) ShardFirstBuffer(shard int) (bufferlist.List, bool) {
	em, ok := m.maps.Get(shard)
	if !ok || em.Empty() {
		return bufferlist.List{}, false
	}
	return em.At(0).Buf, true
}

// ShardFirstOffset returns the first extent's offset on shard, or
// InvalidOffset.
func (m *ShardExtentMap) ShardFirstOffset(shard int) uint64 {
	em, ok := m.maps.Get(shard)
	if !ok || em.Empty() {
		return InvalidOffset
	}
	return em.At(0).Off
}

// GetROBuffer reassembles RO bytes [roOffset, roOffset+roLength) from the
// data shards in chunk order. Missing pieces are skipped, so the result is
// shorter than roLength when the map does not cover the range.
func (m *ShardExtentMap) GetROBuffer(roOffset, roLength uint64) bufferlist.List {
	var out bufferlist.List
	chunk := m.sinfo.ChunkSize()
	stripeWidth := m.sinfo.StripeWidth()
	k := m.sinfo.K()

	start, length := m.sinfo.OffsetLenToChunkBounds(roOffset, roLength)
	raw := int((roOffset / chunk) % uint64(k))
	for chunkOff := start; chunkOff < start+length; chunkOff, raw = chunkOff+chunk, raw+1 {
		if raw == k {
			raw = 0
		}
		sub := max(chunkOff, roOffset)
		shardOff := (chunkOff/stripeWidth)*chunk + sub - chunkOff
		subLen := min(roOffset+roLength, chunkOff+chunk) - sub
		if buf, ok := m.GetBuffer(m.sinfo.Shard(raw), shardOff, subLen); ok {
			out.AppendList(buf)
		}
	}
	return out
}

// GetROBufferAll reassembles the whole RO range held by the map.
func (m *ShardExtentMap) GetROBufferAll() bufferlist.List {
	if m.roStart == InvalidOffset {
		return bufferlist.List{}
	}
	return m.GetROBuffer(m.roStart, m.roEnd-m.roStart)
}

// ZeroPad fills the parts of [offset, offset+length) missing on shard with
// zeros.
func (m *ShardExtentMap) ZeroPad(shard int, offset, length uint64) {
	em, ok := m.maps.Get(shard)
	if ok && em.Contains(offset, length) {
		return
	}
	required := extent.NewSet(offset, length)
	if ok {
		required.Subtract(em.IntervalSet())
	}
	for _, r := range required.Ranges() {
		m.InsertInShard(shard, r.Off, bufferlist.Zeros(r.Len))
	}
}

// ZeroPadSet zero pads every range of set.
func (m *ShardExtentMap) ZeroPadSet(set *ShardExtentSet) {
	for shard, eset := range set.All() {
		for _, r := range eset.Ranges() {
			m.ZeroPad(shard, r.Off, r.Len)
		}
	}
}

// EraseAfterROOffset drops data shard content at or beyond roOffset.
func (m *ShardExtentMap) EraseAfterROOffset(roOffset uint64) {
	if m.roEnd == InvalidOffset || roOffset >= m.roEnd {
		return
	}
	toErase := NewShardExtentSet(m.sinfo.KPlusM())
	m.sinfo.RORangeToShardExtentSet(roOffset, m.roEnd-roOffset, toErase)
	for shard, eset := range toErase.All() {
		em, ok := m.maps.Get(shard)
		if !ok {
			continue
		}
		em.EraseAfter(eset.RangeStart())
		if em.Empty() {
			m.maps.Delete(shard)
		}
	}
	m.computeRORange()
}

// EraseStripe drops shard offsets [offset, offset+length) on every shard.
func (m *ShardExtentMap) EraseStripe(offset, length uint64) {
	for _, shard := range m.maps.Keys() {
		em, _ := m.maps.Get(shard)
		em.Erase(offset, length)
		if em.Empty() {
			m.maps.Delete(shard)
		}
	}
	m.computeRORange()
}

// EraseShard drops all content of shard.
func (m *ShardExtentMap) EraseShard(shard int) {
	if m.maps.Delete(shard) {
		m.computeRORange()
	}
}

// PadAndRebuildToPageAlign zero-extends every extent to page boundaries and
// moves any buffer not already page aligned into fresh page-aligned memory.
func (m *ShardExtentMap) PadAndRebuildToPageAlign() {
	page := bufferlist.PageSize
	resized := false
	for _, em := range m.maps.All() {
		var pad extent.Set
		for _, e := range em.Extents() {
			start := bufferlist.AlignDown(e.Off, page)
			end := bufferlist.AlignUp(e.End(), page)
			if start != e.Off || end != e.End() {
				pad.Insert(start, end-start)
			}
		}
		if !pad.Empty() {
			pad.Subtract(em.IntervalSet())
			for _, r := range pad.Ranges() {
				em.Insert(r.Off, bufferlist.Zeros(r.Len))
			}
			resized = true
		}

		var rebuilt extent.Map
		for _, e := range em.Extents() {
			buf := e.Buf
			buf.RebuildAlignedSizeAndMemory(page, page)
			rebuilt.Insert(e.Off, buf)
		}
		*em = rebuilt
	}
	if resized {
		m.computeRORange()
	}
}

// Slice returns, for every shard fully covering [offset, offset+length), a
// contiguous SIMD-aligned buffer of that range. Buffers that are already
// aligned are views; others are copies.
func (m *ShardExtentMap) Slice(offset, length uint64) map[int][]byte {
	out := make(map[int][]byte)
	for _, shard := range m.maps.Keys() {
		buf, ok := m.GetBuffer(shard, offset, length)
		if !ok || buf.Len() == 0 {
			continue
		}
		buf.RebuildAlignedSizeAndMemory(length, bufferlist.SIMDAlign)
		out[shard] = buf.Bytes()
	}
	return out
}

// Equal reports whether both maps hold identical bytes at identical shard
// offsets, regardless of how buffers are segmented.
func (m *ShardExtentMap) Equal(o *ShardExtentMap) bool {
	if m.maps.Len() != o.maps.Len() {
		return false
	}
	for shard, em := range m.maps.All() {
		oem, ok := o.maps.Get(shard)
		if !ok || !em.IntervalSet().Equal(oem.IntervalSet()) {
			return false
		}
		for _, e := range em.Extents() {
			ob, ok := o.GetBuffer(shard, e.Off, e.Len())
			if !ok || !e.Buf.Equal(ob) {
				return false
			}
		}
	}
	return true
}

func (m *ShardExtentMap) String() string {
	parts := make([]string, 0, m.maps.Len())
	for shard, em := range m.maps.All() {
		parts = append(parts, fmt.Sprintf("%d:%s", shard, em))
	}
	return fmt.Sprintf("shard_extent_map: ({%s~%s}, maps={%s})",
		offsetString(m.roStart), offsetString(m.roEnd), strings.Join(parts, ", "))
}

// DebugString renders the map followed by, for every extent, the
// little-endian int32 found every interval bytes starting at offset.
func (m *ShardExtentMap) DebugString(interval, offset uint64) string {
	var b strings.Builder
	b.WriteString(m.String())
	b.WriteString(" bufs: [")
	first := true
	for shard, em := range m.maps.All() {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%d: [", shard)
		comma := false
		for _, e := range em.Extents() {
			data := e.Buf.Bytes()
			for i := uint64(0); interval > 0 && i+offset+4 <= e.Len(); i += interval {
				if comma {
					b.WriteString(", ")
				}
				comma = true
				seed := int32(binary.LittleEndian.Uint32(data[i+offset:]))
				fmt.Fprintf(&b, "%d:%d", e.Off+i, seed)
			}
		}
		b.WriteString("]")
	}
	b.WriteString("]")
	return b.String()
}

func offsetString(v uint64) string {
	if v == InvalidOffset {
		return "invalid"
	}
	return fmt.Sprintf("%d", v)
}

func (m *ShardExtentMap) emap(shard int) *extent.Map {
	em, ok := m.maps.Get(shard)
	if !ok {
		em = &extent.Map{}
		m.maps.Set(shard, em)
	}
	return em
}

func (m *ShardExtentMap) widen(off, end uint64) {
	if m.startOffset == InvalidOffset || off < m.startOffset {
		m.startOffset = off
	}
	if m.endOffset == InvalidOffset || end > m.endOffset {
		m.endOffset = end
	}
}

func (m *ShardExtentMap) widenRO(start, end uint64) {
	if m.roStart == InvalidOffset || start < m.roStart {
		m.roStart = start
	}
	if m.roEnd == InvalidOffset || end > m.roEnd {
		m.roEnd = end
	}
}

// computeRORange recomputes every bound from scratch.
func (m *ShardExtentMap) computeRORange() {
	m.roStart, m.roEnd = InvalidOffset, InvalidOffset
	m.startOffset, m.endOffset = InvalidOffset, InvalidOffset
	for shard, em := range m.maps.All() {
		m.widen(em.StartOff(), em.EndOff())
		if raw := m.sinfo.RawShard(shard); raw < m.sinfo.K() {
			m.widenRO(m.sinfo.CalcROOffset(raw, em.StartOff()), m.sinfo.CalcROEnd(raw, em.EndOff()))
		}
	}
}

package ecutil

import (
	"math"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
	"github.com/kunal-geeks/ecstripe/internal/extent"
)

// SliceIterator walks a ShardExtentMap in shard-offset order, yielding
// maximal ranges over which every participating shard's content is one
// contiguous memory region. A slice covers [Offset, Offset+Length) and
// holds one buffer per shard with content there; shards with a gap are
// simply absent from that slice.
//
// The iterator snapshots the extent lists when created. The returned
// buffers alias the map's memory, so writing into them (as encode does for
// parity) updates the map.
type SliceIterator struct {
	cursors []*sliceCursor
	start   uint64
	offset  uint64
	length  uint64
	slice   map[int][]byte
}

type sliceCursor struct {
	shard  int
	exts   []extent.Extent
	ext    int
	seg    int
	segOff uint64
	// pos is the byte position within the current extent.
	pos uint64
}

func (c *sliceCursor) offset() uint64 { return c.exts[c.ext].Off + c.pos }

func (c *sliceCursor) segment() []byte { return c.exts[c.ext].Buf.Segment(c.seg)[c.segOff:] }

// skip moves n bytes forward, which must not cross the current segment. It
// reports false once the cursor runs off its last extent.
func (c *sliceCursor) skip(n uint64) bool {
	c.segOff += n
	c.pos += n
	buf := c.exts[c.ext].Buf
	if c.segOff < uint64(len(buf.Segment(c.seg))) {
		return true
	}
	c.seg++
	c.segOff = 0
	if c.seg < buf.NumSegments() {
		return true
	}
	c.ext++
	c.seg = 0
	c.pos = 0
	return c.ext < len(c.exts)
}

// SliceIterator returns an iterator positioned before the first slice.
func (m *ShardExtentMap) SliceIterator() *SliceIterator {
	it := &SliceIterator{start: math.MaxUint64}
	for shard, em := range m.maps.All() {
		c := &sliceCursor{shard: shard, exts: em.Extents()}
		it.cursors = append(it.cursors, c)
		it.start = min(it.start, c.offset())
	}
	return it
}

// Next advances to the next slice and reports whether there is one.
func (it *SliceIterator) Next() bool {
	for len(it.cursors) > 0 {
		end := uint64(math.MaxUint64)
		for _, c := range it.cursors {
			off := c.offset()
			// A cursor past start bounds the slice without joining it.
			if off > it.start {
				end = min(end, off)
				continue
			}
			end = min(end, off+uint64(len(c.segment())))
		}

		slice := make(map[int][]byte)
		n := end - it.start
		live := it.cursors[:0]
		for _, c := range it.cursors {
			if c.offset() != it.start {
				live = append(live, c)
				continue
			}
			seg := c.segment()
			slice[c.shard] = seg[:n:n]
			if c.skip(n) {
				live = append(live, c)
			}
		}
		it.cursors = live

		it.offset, it.length = it.start, n
		it.start = end
		if len(slice) > 0 {
			it.slice = slice
			return true
		}
	}
	it.slice = nil
	return false
}

// Offset returns the shard offset of the current slice.
func (it *SliceIterator) Offset() uint64 { return it.offset }

// Length returns the length of the current slice.
func (it *SliceIterator) Length() uint64 { return it.length }

// Buffers returns the per-shard buffers of the current slice.
func (it *SliceIterator) Buffers() map[int][]byte { return it.slice }

// IsPageAligned reports whether every buffer of the current slice starts and
// ends on a page boundary.
func (it *SliceIterator) IsPageAligned() bool {
	for _, b := range it.slice {
		if !bufferlist.IsPageAligned(b) {
			return false
		}
	}
	return true
}

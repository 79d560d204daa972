// Package ecutil maps logical object ranges onto the shards of an
// erasure-coded stripe and drives encode/decode through a pluggable
// erasure code.
//
// Terminology:
//   - RO (rados object) offsets address the client-visible object bytes.
//   - Shard offsets address one shard's own physical bytes.
//   - A raw shard is a position 0..k+m within a stripe row; the shard id is
//     the physical identifier it maps to through the chunk mapping.
//
// None of the types in this package are safe for concurrent mutation.
package ecutil

import (
	"fmt"
	"math/bits"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
	"github.com/kunal-geeks/ecstripe/internal/extent"
)

// StripeInfo is the immutable geometry of a stripe: k data chunks and m
// parity chunks of chunkSize bytes each per row.
type StripeInfo struct {
	k           int
	m           int
	chunkSize   uint64
	stripeWidth uint64
	// rawToShard and shardToRaw are both k+m long.
	rawToShard []int
	shardToRaw []int
}

// NewStripeInfo validates and builds the stripe geometry. chunkMapping may be
// nil for the identity mapping; otherwise it must be a permutation of
// [0, k+m) giving the shard id for each raw shard (shorter mappings leave
// the remaining raw shards unmapped, as identity).
func NewStripeInfo(k, m int, chunkSize uint64, chunkMapping []int) (*StripeInfo, error) {
	if k <= 0 {
		return nil, fmt.Errorf("NewStripeInfo: k must be > 0, got %d", k)
	}
	if m < 0 {
		return nil, fmt.Errorf("NewStripeInfo: m must be >= 0, got %d", m)
	}
	if chunkSize == 0 || bits.OnesCount64(chunkSize) != 1 {
		return nil, fmt.Errorf("NewStripeInfo: chunk size %d is not a power of two", chunkSize)
	}
	if len(chunkMapping) > k+m {
		return nil, fmt.Errorf("NewStripeInfo: chunk mapping has %d entries for %d shards", len(chunkMapping), k+m)
	}

	n := k + m
	s := &StripeInfo{
		k:           k,
		m:           m,
		chunkSize:   chunkSize,
		stripeWidth: uint64(k) * chunkSize,
		rawToShard:  make([]int, n),
		shardToRaw:  make([]int, n),
	}
	seen := make([]bool, n)
	for raw := 0; raw < n; raw++ {
		shard := raw
		if raw < len(chunkMapping) {
			shard = chunkMapping[raw]
		}
		if shard < 0 || shard >= n || seen[shard] {
			return nil, fmt.Errorf("NewStripeInfo: chunk mapping %v is not a permutation of [0,%d)", chunkMapping, n)
		}
		seen[shard] = true
		s.rawToShard[raw] = shard
		s.shardToRaw[shard] = raw
	}
	return s, nil
}

// MustStripeInfo is like NewStripeInfo but panics on invalid geometry.
// Convenient for tests and hard-coded profiles.
func MustStripeInfo(k, m int, chunkSize uint64, chunkMapping []int) *StripeInfo {
	s, err := NewStripeInfo(k, m, chunkSize, chunkMapping)
	if err != nil {
		panic(err)
	}
	return s
}

// StripeInfoFor builds the geometry for an erasure-code plugin.
func StripeInfoFor(ec ErasureCode, chunkSize uint64) (*StripeInfo, error) {
	return NewStripeInfo(ec.DataChunkCount(), ec.CodingChunkCount(), chunkSize, ec.ChunkMapping())
}

func (s *StripeInfo) K() int              { return s.k }
func (s *StripeInfo) M() int              { return s.m }
func (s *StripeInfo) KPlusM() int         { return s.k + s.m }
func (s *StripeInfo) ChunkSize() uint64   { return s.chunkSize }
func (s *StripeInfo) StripeWidth() uint64 { return s.stripeWidth }

// Shard returns the shard id for a raw shard index.
func (s *StripeInfo) Shard(raw int) int { return s.rawToShard[raw] }

// RawShard returns the raw shard index of a shard id.
func (s *StripeInfo) RawShard(shard int) int { return s.shardToRaw[shard] }

// IsDataShard reports whether shard holds data rather than parity.
func (s *StripeInfo) IsDataShard(shard int) bool { return s.shardToRaw[shard] < s.k }

// DataShards returns the data shard ids in raw order.
func (s *StripeInfo) DataShards() []int {
	out := make([]int, s.k)
	copy(out, s.rawToShard[:s.k])
	return out
}

// ParityShards returns the parity shard ids in raw order.
func (s *StripeInfo) ParityShards() []int {
	out := make([]int, s.m)
	copy(out, s.rawToShard[s.k:])
	return out
}

// ChunkMapping returns the raw-to-shard mapping.
func (s *StripeInfo) ChunkMapping() []int {
	out := make([]int, len(s.rawToShard))
	copy(out, s.rawToShard)
	return out
}

// LogicalToPrevStripeOffset rounds an RO offset down to a stripe boundary.
func (s *StripeInfo) LogicalToPrevStripeOffset(off uint64) uint64 {
	return off - off%s.stripeWidth
}

// LogicalToNextStripeOffset rounds an RO offset up to a stripe boundary.
func (s *StripeInfo) LogicalToNextStripeOffset(off uint64) uint64 {
	if rem := off % s.stripeWidth; rem != 0 {
		return off - rem + s.stripeWidth
	}
	return off
}

// OffsetLenToStripeBounds widens an RO range to whole stripes.
func (s *StripeInfo) OffsetLenToStripeBounds(off, length uint64) (uint64, uint64) {
	start := s.LogicalToPrevStripeOffset(off)
	end := s.LogicalToNextStripeOffset(off + length)
	return start, end - start
}

// OffsetLenToChunkBounds widens an RO range to whole chunks.
func (s *StripeInfo) OffsetLenToChunkBounds(off, length uint64) (uint64, uint64) {
	start := bufferlist.AlignDown(off, s.chunkSize)
	end := bufferlist.AlignUp(off+length, s.chunkSize)
	return start, end - start
}

// ChunkAlignedOffsetLenToChunk returns the smallest chunk-aligned shard
// range [start, start+length) covering the RO range on every shard.
func (s *StripeInfo) ChunkAlignedOffsetLenToChunk(off, length uint64) (uint64, uint64) {
	soff, slen := s.OffsetLenToStripeBounds(off, length)
	return (soff / s.stripeWidth) * s.chunkSize, (slen / s.stripeWidth) * s.chunkSize
}

// ROOffsetToShardOffset returns the shard offset on rawShard corresponding
// to RO offset roOffset: the first byte at or after roOffset that the shard
// holds.
func (s *StripeInfo) ROOffsetToShardOffset(roOffset uint64, rawShard int) uint64 {
	fullStripes := (roOffset / s.stripeWidth) * s.chunkSize
	offsetShard := int((roOffset / s.chunkSize) % uint64(s.k))
	switch {
	case rawShard == offsetShard:
		return fullStripes + roOffset%s.chunkSize
	case rawShard < offsetShard:
		return fullStripes + s.chunkSize
	}
	return fullStripes
}

// CalcROOffset maps a shard offset on a data shard back to its RO offset.
func (s *StripeInfo) CalcROOffset(rawShard int, shardOffset uint64) uint64 {
	stripes := shardOffset / s.chunkSize
	return stripes*s.stripeWidth + uint64(rawShard)*s.chunkSize + shardOffset%s.chunkSize
}

// CalcROEnd maps an exclusive shard end offset on a data shard to the
// exclusive RO end.
func (s *StripeInfo) CalcROEnd(rawShard int, shardEnd uint64) uint64 {
	return s.CalcROOffset(rawShard, shardEnd-1) + 1
}

// RORangeToShards computes, for every shard touched by the RO range
// [roOffset, roOffset+roSize), the physical range on that shard. Each
// non-nil output is populated:
//   - set receives per-shard ranges;
//   - superset receives the union of all ranges;
//   - when buf (the content of the RO range) and sem are both given, the
//     matching bytes of buf are sliced out, without copying, and inserted
//     into sem.
func (s *StripeInfo) RORangeToShards(roOffset, roSize uint64, set *ShardExtentSet,
	superset *extent.Set, buf *bufferlist.List, sem *ShardExtentMap) {
	// Everything below assumes a non-empty range.
	if roSize == 0 {
		return
	}
	if sem != nil && buf == nil {
		panic("ecutil: RORangeToShards needs a buffer to populate a shard extent map")
	}

	k := uint64(s.k)
	chunk := s.chunkSize
	roEnd := roOffset + roSize

	// The only general divisions; chunk is a power of two.
	beginDiv := roOffset / s.stripeWidth
	endDiv := (roEnd+s.stripeWidth-1)/s.stripeWidth - 1
	start := beginDiv * chunk
	end := endDiv * chunk

	startShard := (roOffset - beginDiv*s.stripeWidth) / chunk
	chunkCount := (roEnd+chunk-1)/chunk - roOffset/chunk

	// endShard is not reduced modulo k; raw wraps inside the loop.
	endShard := startShard + min(chunkCount, k)
	lastShard := (startShard + chunkCount - 1) % k

	var bufShardStart uint64
	for i := startShard; i < endShard; i++ {
		raw := i
		if raw >= k {
			raw -= k
		}

		var startAdj, endAdj uint64
		if raw < startShard {
			// Wrapped shards begin on the next row.
			startAdj = chunk
		} else if raw == startShard {
			startAdj = roOffset % chunk
		}

		if raw < lastShard {
			endAdj = chunk
		} else if raw == lastShard {
			endAdj = (roEnd-1)%chunk + 1
		}

		shard := s.rawToShard[raw]
		off := start + startAdj
		length := end + endAdj - off

		if set != nil {
			set.Insert(shard, off, length)
		}
		if superset != nil {
			superset.Insert(off, length)
		}
		if sem == nil {
			continue
		}

		var shardBuf bufferlist.List
		bufOff := bufShardStart
		total := buf.Len()

		// Leading partial chunk, then whole-chunk strides skipping the
		// other k-1 shards.
		if chunk != startAdj {
			shardBuf.AppendList(buf.Substr(bufOff, min(total-bufOff, chunk-startAdj)))
			bufShardStart += chunk - startAdj
			bufOff += chunk - startAdj + (k-1)*chunk
		} else {
			bufShardStart += chunk
		}
		for bufOff < total {
			shardBuf.AppendList(buf.Substr(bufOff, min(chunk, total-bufOff)))
			bufOff += k * chunk
		}
		sem.InsertInShardWithRO(shard, off, shardBuf, roOffset, roEnd)
	}
}

// RORangeToShardExtentSet adds the shard ranges of an RO range to set.
func (s *StripeInfo) RORangeToShardExtentSet(roOffset, roSize uint64, set *ShardExtentSet) {
	s.RORangeToShards(roOffset, roSize, set, nil, nil, nil)
}

// RORangeToShardExtentSetWithParity is RORangeToShardExtentSet plus, on
// every parity shard, the union of the data shard ranges.
func (s *StripeInfo) RORangeToShardExtentSetWithParity(roOffset, roSize uint64, set *ShardExtentSet) {
	var parity extent.Set
	s.RORangeToShards(roOffset, roSize, set, &parity, nil, nil)
	if parity.Empty() {
		return
	}
	for _, shard := range s.ParityShards() {
		set.Union(shard, parity)
	}
}

// RORangeToShardExtentMap slices buf, the content of the RO range, into
// per-shard buffers inserted into sem.
func (s *StripeInfo) RORangeToShardExtentMap(roOffset, roSize uint64, buf bufferlist.List, sem *ShardExtentMap) {
	s.RORangeToShards(roOffset, roSize, nil, nil, &buf, sem)
}

// TrimShardExtentSetForROOffset drops every range past the page following
// roOffset's position on the first shard, when roOffset lies within the
// first chunk of its stripe row. The remaining shards are then not written,
// so nothing needs to be read or zeroed for them.
func (s *StripeInfo) TrimShardExtentSetForROOffset(roOffset uint64, set *ShardExtentSet) {
	if (roOffset/s.chunkSize)%uint64(s.k) != 0 {
		return
	}
	shardOffset := s.ROOffsetToShardOffset(roOffset, 0)
	set.EraseAfter(bufferlist.AlignPageNext(shardOffset))
}

// ROSizeToStripeAlignedReadMask computes the stripe-aligned read needed
// before re-encoding an object of roSize bytes.
func (s *StripeInfo) ROSizeToStripeAlignedReadMask(roSize uint64, set *ShardExtentSet) {
	s.RORangeToShardExtentSetWithParity(0, s.LogicalToNextStripeOffset(roSize), set)
	s.TrimShardExtentSetForROOffset(roSize, set)
}

// ROSizeToReadMask computes the shard ranges needed to read an object of
// roSize bytes.
func (s *StripeInfo) ROSizeToReadMask(roSize uint64, set *ShardExtentSet) {
	s.RORangeToShardExtentSetWithParity(0, bufferlist.AlignPageNext(roSize), set)
}

// ROSizeToZeroMask computes the data shard ranges between the end of an
// object of roSize bytes and the next stripe boundary. Parity is never
// zero-filled since it is always recomputed.
func (s *StripeInfo) ROSizeToZeroMask(roSize uint64, set *ShardExtentSet) {
	from := bufferlist.AlignPageNext(roSize)
	to := s.LogicalToNextStripeOffset(roSize)
	if to > from {
		s.RORangeToShardExtentSet(from, to-from, set)
	}
	s.TrimShardExtentSetForROOffset(roSize, set)
}

func (s *StripeInfo) String() string {
	return fmt.Sprintf("stripe_info(k=%d m=%d chunk_size=%d stripe_width=%d mapping=%v)",
		s.k, s.m, s.chunkSize, s.stripeWidth, s.rawToShard)
}

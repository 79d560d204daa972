package ecutil

import (
	"fmt"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
)

// Encode computes parity for every slice of the map through ec. Parity
// buffers must already be present (see InsertParityBuffers); they are
// written in place.
//
// If any slice is not page aligned the map is padded and rebuilt once and
// encoding restarts. When hinfo is given and the map starts at or after
// beforeROSize (an append), every slice is then fed into hinfo in offset
// order.
func (m *ShardExtentMap) Encode(ec ErasureCode, hinfo *HashInfo, beforeROSize uint64) error {
	aligned, err := m.encodeSlices(ec)
	if err != nil {
		return err
	}
	if !aligned {
		m.PadAndRebuildToPageAlign()
		if aligned, err = m.encodeSlices(ec); err != nil {
			return err
		}
		if !aligned {
			panic("ecutil: shard extent map still unaligned after page rebuild")
		}
	}

	if hinfo == nil || m.roStart < beforeROSize {
		return nil
	}
	it := m.SliceIterator()
	for it.Next() {
		if m.roStart != beforeROSize {
			panic(fmt.Sprintf("ecutil: hash info append from ro %d, object size %d", m.roStart, beforeROSize))
		}
		hinfo.Append(it.Offset(), it.Buffers())
	}
	return nil
}

// encodeSlices stops at the first unaligned slice and reports false.
func (m *ShardExtentMap) encodeSlices(ec ErasureCode) (bool, error) {
	it := m.SliceIterator()
	for it.Next() {
		if !it.IsPageAligned() {
			return false, nil
		}
		in := make(map[int][]byte)
		out := make(map[int][]byte)
		for shard, b := range it.Buffers() {
			if m.sinfo.IsDataShard(shard) {
				in[shard] = b
			} else {
				out[shard] = b
			}
		}
		if len(out) == 0 {
			continue
		}
		if err := ec.EncodeChunks(in, out); err != nil {
			return false, fmt.Errorf("ShardExtentMap.Encode: slice %d~%d: %w", it.Offset(), it.Length(), err)
		}
	}
	return true, nil
}

// Decode reconstructs the data shard ranges in want that the map does not
// hold. Shards already present are assumed complete, and parity shards are
// skipped since Encode regenerates them. Each range of each missing shard is
// recovered with its own plugin call. The first plugin error is returned;
// ranges decoded before and after it are kept.
func (m *ShardExtentMap) Decode(ec ErasureCode, want *ShardExtentSet) error {
	if want == nil {
		return nil
	}
	var firstErr error
	decoded := false
	for shard, eset := range want.All() {
		if m.maps.Contains(shard) || !m.sinfo.IsDataShard(shard) {
			continue
		}
		decoded = true
		for _, r := range eset.Ranges() {
			chunks := m.Slice(r.Off, r.Len)
			out, err := ec.Decode([]int{shard}, chunks, m.sinfo.ChunkSize())
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("ShardExtentMap.Decode: shard %d %d~%d: %w", shard, r.Off, r.Len, err)
				}
				break
			}
			buf := out[shard]
			if uint64(len(buf)) != r.Len {
				panic(fmt.Sprintf("ecutil: decoded %d bytes for shard %d range %d~%d", len(buf), shard, r.Off, r.Len))
			}
			m.InsertInShardWithRO(shard, r.Off, bufferlist.New(buf), m.roStart, m.roEnd)
		}
	}
	if decoded {
		m.computeRORange()
	}
	return firstErr
}

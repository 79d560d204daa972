package ecutil

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// HinfoKey is the object metadata key the encoded HashInfo is stored under.
const HinfoKey = "hinfo_key"

// IsHinfoKey reports whether key is HinfoKey.
func IsHinfoKey(key string) bool { return key == HinfoKey }

const (
	hashInfoVersion = 1
	hashInfoCompat  = 1
	// seed of every cumulative hash before any data is appended
	hashSeed uint32 = 0xFFFFFFFF
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32c continues a CRC-32C from crc over p. Unlike hash/crc32 the value is
// neither pre- nor post-inverted, so chained calls match a single pass
// started from the same seed.
func crc32c(crc uint32, p []byte) uint32 {
	return ^crc32.Update(^crc, castagnoli, p)
}

// HashInfo keeps a cumulative CRC-32C per shard over everything written to
// that shard, plus the number of bytes hashed so far. Appends must be
// strictly sequential.
type HashInfo struct {
	totalChunkSize uint64
	hashes         []uint32
}

// NewHashInfo returns hash state for n shards with nothing appended.
func NewHashInfo(n int) *HashInfo {
	h := &HashInfo{hashes: make([]uint32, n)}
	for i := range h.hashes {
		h.hashes[i] = hashSeed
	}
	return h
}

// Append hashes the next slice of every shard. oldSize must equal the
// current TotalChunkSize and every buffer must have the same length; when
// per-shard hashes are kept, there must be exactly one buffer per shard.
// Violations are caller bugs and panic.
func (h *HashInfo) Append(oldSize uint64, toAppend map[int][]byte) {
	if oldSize != h.totalChunkSize {
		panic(fmt.Sprintf("ecutil: hash info append at %d, expected %d", oldSize, h.totalChunkSize))
	}
	if len(toAppend) == 0 {
		panic("ecutil: hash info append with no buffers")
	}
	size := -1
	for _, b := range toAppend {
		if size < 0 {
			size = len(b)
		} else if len(b) != size {
			panic("ecutil: hash info append with unequal buffer lengths")
		}
	}
	if h.HasChunkHash() {
		if len(toAppend) != len(h.hashes) {
			panic(fmt.Sprintf("ecutil: hash info append with %d buffers for %d shards", len(toAppend), len(h.hashes)))
		}
		for shard := range toAppend {
			if shard < 0 || shard >= len(h.hashes) {
				panic(fmt.Sprintf("ecutil: hash info append to shard %d of %d", shard, len(h.hashes)))
			}
		}
		for shard, b := range toAppend {
			h.hashes[shard] = crc32c(h.hashes[shard], b)
		}
	}
	h.totalChunkSize += uint64(size)
}

// TotalChunkSize returns the number of bytes hashed per shard.
func (h *HashInfo) TotalChunkSize() uint64 { return h.totalChunkSize }

// HasChunkHash reports whether per-shard hashes are kept.
func (h *HashInfo) HasChunkHash() bool { return len(h.hashes) > 0 }

// ChunkHash returns the cumulative hash of shard.
func (h *HashInfo) ChunkHash(shard int) uint32 {
	if shard < 0 || shard >= len(h.hashes) {
		panic(fmt.Sprintf("ecutil: chunk hash of shard %d of %d", shard, len(h.hashes)))
	}
	return h.hashes[shard]
}

// Hashes returns a copy of every shard's cumulative hash.
func (h *HashInfo) Hashes() []uint32 {
	out := make([]uint32, len(h.hashes))
	copy(out, h.hashes)
	return out
}

// SetTotalChunkSizeClearHash forces the size and drops per-shard hashes.
// Used once an object has been modified in a way that cannot be hashed
// incrementally.
func (h *HashInfo) SetTotalChunkSizeClearHash(size uint64) {
	h.hashes = nil
	h.totalChunkSize = size
}

// Clear resets to the empty state for the same number of shards.
func (h *HashInfo) Clear() {
	h.totalChunkSize = 0
	for i := range h.hashes {
		h.hashes[i] = hashSeed
	}
}

// MarshalBinary encodes the versioned record: u8 version, u8 compat, u32
// payload length, then the payload of u64 total size and a u32-counted
// vector of u32 hashes. Integers are little-endian.
func (h *HashInfo) MarshalBinary() ([]byte, error) {
	payload := 8 + 4 + 4*len(h.hashes)
	out := make([]byte, 0, 6+payload)
	out = append(out, hashInfoVersion, hashInfoCompat)
	out = binary.LittleEndian.AppendUint32(out, uint32(payload))
	out = binary.LittleEndian.AppendUint64(out, h.totalChunkSize)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(h.hashes)))
	for _, v := range h.hashes {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out, nil
}

var errShortHashInfo = errors.New("short hash info record")

// UnmarshalBinary decodes a record written by MarshalBinary or by a newer
// encoder that stays compatible with version 1. Unknown trailing payload is
// skipped.
func (h *HashInfo) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("HashInfo.UnmarshalBinary: %w", errShortHashInfo)
	}
	if compat := data[1]; compat > hashInfoVersion {
		return fmt.Errorf("HashInfo.UnmarshalBinary: record needs version %d, have %d", compat, hashInfoVersion)
	}
	n := binary.LittleEndian.Uint32(data[2:6])
	p := data[6:]
	if uint64(len(p)) < uint64(n) || n < 12 {
		return fmt.Errorf("HashInfo.UnmarshalBinary: payload %d bytes: %w", n, errShortHashInfo)
	}
	p = p[:n]
	total := binary.LittleEndian.Uint64(p[0:8])
	count := binary.LittleEndian.Uint32(p[8:12])
	p = p[12:]
	if uint64(len(p)) < 4*uint64(count) {
		return fmt.Errorf("HashInfo.UnmarshalBinary: %d hashes: %w", count, errShortHashInfo)
	}
	hashes := make([]uint32, count)
	for i := range hashes {
		hashes[i] = binary.LittleEndian.Uint32(p[4*i:])
	}
	h.totalChunkSize = total
	h.hashes = hashes
	return nil
}

type hashDump struct {
	Shard int    `json:"shard"`
	Hash  uint32 `json:"hash"`
}

// Dump renders the state as JSON.
func (h *HashInfo) Dump() ([]byte, error) {
	d := struct {
		TotalChunkSize        uint64     `json:"total_chunk_size"`
		CumulativeShardHashes []hashDump `json:"cumulative_shard_hashes"`
	}{TotalChunkSize: h.totalChunkSize, CumulativeShardHashes: make([]hashDump, 0, len(h.hashes))}
	for i, v := range h.hashes {
		d.CumulativeShardHashes = append(d.CumulativeShardHashes, hashDump{Shard: i, Hash: v})
	}
	return json.MarshalIndent(d, "", "  ")
}

func (h *HashInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tcs=%d", h.totalChunkSize)
	for _, v := range h.hashes {
		fmt.Fprintf(&b, " %x", v)
	}
	return b.String()
}

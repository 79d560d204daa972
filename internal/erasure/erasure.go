// Package erasure provides a Reed-Solomon erasure code for the stripe
// layout engine, backed by klauspost/reedsolomon.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

var (
	// ErrTooFewShards is returned when fewer than DataShards chunks are
	// available to decode from.
	ErrTooFewShards = reedsolomon.ErrTooFewShards
	// ErrShardSize is returned when chunks handed to one call differ in size.
	ErrShardSize = reedsolomon.ErrShardSize
)

// Params defines how many data & parity shards we use, and optionally which
// shard id each raw chunk position is stored on.
type Params struct {
	DataShards   int
	ParityShards int
	// ChunkMapping[raw] is the shard id of raw chunk position raw. Nil means
	// the identity mapping.
	ChunkMapping []int
}

func (p Params) TotalShards() int {
	return p.DataShards + p.ParityShards
}

// Validate checks that the parameters make sense.
func (p Params) Validate() error {
	if p.DataShards <= 0 {
		return fmt.Errorf("Params: DataShards must be > 0")
	}
	if p.ParityShards <= 0 {
		return fmt.Errorf("Params: ParityShards must be > 0")
	}
	if p.TotalShards() > 255 {
		// Limit from reedsolomon implementation.
		return fmt.Errorf("Params: total shards must be <= 255")
	}
	if p.ChunkMapping == nil {
		return nil
	}
	if len(p.ChunkMapping) != p.TotalShards() {
		return fmt.Errorf("Params: chunk mapping has %d entries, want %d", len(p.ChunkMapping), p.TotalShards())
	}
	seen := make([]bool, p.TotalShards())
	for _, shard := range p.ChunkMapping {
		if shard < 0 || shard >= len(seen) || seen[shard] {
			return fmt.Errorf("Params: chunk mapping %v is not a permutation", p.ChunkMapping)
		}
		seen[shard] = true
	}
	return nil
}

// ReedSolomon adapts a reedsolomon.Encoder to buffers keyed by shard id.
// It is safe for concurrent use as long as callers do not share buffers.
type ReedSolomon struct {
	params  Params
	enc     reedsolomon.Encoder
	toShard []int
	toRaw   []int
}

// New creates a Reed-Solomon code. opts are passed to reedsolomon.New.
func New(params Params, opts ...reedsolomon.Option) (*ReedSolomon, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(params.DataShards, params.ParityShards, opts...)
	if err != nil {
		return nil, fmt.Errorf("New: create encoder: %w", err)
	}

	n := params.TotalShards()
	rs := &ReedSolomon{params: params, enc: enc, toShard: make([]int, n), toRaw: make([]int, n)}
	for raw := 0; raw < n; raw++ {
		shard := raw
		if params.ChunkMapping != nil {
			shard = params.ChunkMapping[raw]
		}
		rs.toShard[raw] = shard
		rs.toRaw[shard] = raw
	}
	return rs, nil
}

func (rs *ReedSolomon) DataChunkCount() int   { return rs.params.DataShards }
func (rs *ReedSolomon) CodingChunkCount() int { return rs.params.ParityShards }

// ChunkMapping returns the raw-to-shard mapping, or nil for identity.
func (rs *ReedSolomon) ChunkMapping() []int {
	if rs.params.ChunkMapping == nil {
		return nil
	}
	out := make([]int, len(rs.params.ChunkMapping))
	copy(out, rs.params.ChunkMapping)
	return out
}

// chunkSize returns the common length of every buffer in the maps.
func chunkSize(maps ...map[int][]byte) (int, error) {
	size := -1
	for _, m := range maps {
		for _, b := range m {
			if size == -1 {
				size = len(b)
			} else if len(b) != size {
				return 0, ErrShardSize
			}
		}
	}
	return max(size, 0), nil
}

// EncodeChunks fills every coding buffer in out from the data buffers in in.
// Data shards absent from in are encoded as zeros; coding shards absent from
// out are computed into scratch space and discarded.
func (rs *ReedSolomon) EncodeChunks(in, out map[int][]byte) error {
	size, err := chunkSize(in, out)
	if err != nil {
		return fmt.Errorf("EncodeChunks: %w", err)
	}
	if size == 0 {
		return nil
	}
	for shard := range in {
		if shard < 0 || shard >= len(rs.toRaw) || rs.toRaw[shard] >= rs.params.DataShards {
			return fmt.Errorf("EncodeChunks: shard %d is not a data shard", shard)
		}
	}

	shards := make([][]byte, rs.params.TotalShards())
	for raw := range shards {
		shard := rs.toShard[raw]
		src := out
		if raw < rs.params.DataShards {
			src = in
		}
		if b, ok := src[shard]; ok {
			shards[raw] = b
		} else {
			shards[raw] = make([]byte, size)
		}
	}
	if err := rs.enc.Encode(shards); err != nil {
		return fmt.Errorf("EncodeChunks: encode: %w", err)
	}
	return nil
}

// Decode reconstructs the wanted shards from the available chunks. Wanted
// shards that are already available are returned as given. The chunk size
// argument is not needed by Reed-Solomon.
func (rs *ReedSolomon) Decode(want []int, chunks map[int][]byte, _ uint64) (map[int][]byte, error) {
	if _, err := chunkSize(chunks); err != nil {
		return nil, fmt.Errorf("Decode: %w", err)
	}
	if len(chunks) < rs.params.DataShards {
		return nil, fmt.Errorf("Decode: %d of %d chunks: %w", len(chunks), rs.params.DataShards, ErrTooFewShards)
	}

	// IMPORTANT: nil marks a missing shard. The reedsolomon library
	// reconstructs those in place.
	shards := make([][]byte, rs.params.TotalShards())
	for shard, b := range chunks {
		if shard < 0 || shard >= len(shards) {
			return nil, fmt.Errorf("Decode: shard %d out of range", shard)
		}
		shards[rs.toRaw[shard]] = b
	}
	required := make([]bool, len(shards))
	for _, shard := range want {
		if shard < 0 || shard >= len(shards) {
			return nil, fmt.Errorf("Decode: wanted shard %d out of range", shard)
		}
		required[rs.toRaw[shard]] = true
	}
	if err := rs.enc.ReconstructSome(shards, required); err != nil {
		return nil, fmt.Errorf("Decode: reconstruct: %w", err)
	}

	out := make(map[int][]byte, len(want))
	for _, shard := range want {
		out[shard] = shards[rs.toRaw[shard]]
	}
	return out, nil
}

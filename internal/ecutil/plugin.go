package ecutil

// ErasureCode is the boundary to an erasure-code algorithm. Buffers are keyed
// by shard id; implementations translate to their own chunk positions using
// the mapping they report.
type ErasureCode interface {
	// DataChunkCount returns k.
	DataChunkCount() int
	// CodingChunkCount returns m.
	CodingChunkCount() int
	// ChunkMapping returns the shard id of each raw shard, or nil for the
	// identity mapping.
	ChunkMapping() []int

	// EncodeChunks fills every buffer in out (coding shards) from the
	// buffers in in (data shards). All buffers have equal length. Data
	// shards missing from in are treated as zeros.
	EncodeChunks(in, out map[int][]byte) error

	// Decode reconstructs exactly the shards in want from the available
	// chunks. chunkSize is the stripe chunk size, which is not necessarily
	// the length of the buffers.
	Decode(want []int, chunks map[int][]byte, chunkSize uint64) (map[int][]byte, error)
}

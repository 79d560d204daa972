package ecutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
)

type sliceSeen struct {
	off, length uint64
	shards      []int
}

func collectSlices(t *testing.T, sem *ShardExtentMap) []sliceSeen {
	t.Helper()
	var out []sliceSeen
	it := sem.SliceIterator()
	for it.Next() {
		s := sliceSeen{off: it.Offset(), length: it.Length()}
		for shard := 0; shard < sem.StripeInfo().KPlusM(); shard++ {
			if b, ok := it.Buffers()[shard]; ok {
				s.shards = append(s.shards, shard)
				require.Len(t, b, int(it.Length()))
			}
		}
		out = append(out, s)
	}
	return out
}

func TestSliceIterator_OverlappingShards(t *testing.T) {
	s := MustStripeInfo(2, 1, 1024, nil)
	sem := NewShardExtentMap(s)
	sem.InsertInShard(0, 0, bufferlist.Zeros(100))
	sem.InsertInShard(1, 50, bufferlist.Zeros(100))

	assert.Equal(t, []sliceSeen{
		{0, 50, []int{0}},
		{50, 50, []int{0, 1}},
		{100, 50, []int{1}},
	}, collectSlices(t, sem))
}

func TestSliceIterator_SplitsAtSegmentBoundaries(t *testing.T) {
	s := MustStripeInfo(2, 1, 1024, nil)
	sem := NewShardExtentMap(s)
	sem.InsertInShard(0, 0, bufferlist.New(make([]byte, 40), make([]byte, 60)))
	sem.InsertInShard(1, 0, bufferlist.Zeros(100))

	assert.Equal(t, []sliceSeen{
		{0, 40, []int{0, 1}},
		{40, 60, []int{0, 1}},
	}, collectSlices(t, sem))
}

func TestSliceIterator_SkipsGaps(t *testing.T) {
	s := MustStripeInfo(2, 1, 1024, nil)
	sem := NewShardExtentMap(s)
	sem.InsertInShard(0, 0, bufferlist.Zeros(10))
	sem.InsertInShard(0, 20, bufferlist.Zeros(10))
	sem.InsertInShard(2, 25, bufferlist.Zeros(10))

	assert.Equal(t, []sliceSeen{
		{0, 10, []int{0}},
		{20, 5, []int{0}},
		{25, 5, []int{0, 2}},
		{30, 5, []int{2}},
	}, collectSlices(t, sem))
}

func TestSliceIterator_Empty(t *testing.T) {
	sem := NewShardExtentMap(MustStripeInfo(2, 1, 1024, nil))
	it := sem.SliceIterator()
	assert.False(t, it.Next())
	assert.Nil(t, it.Buffers())
}

func TestSliceIterator_BuffersAliasMap(t *testing.T) {
	s := MustStripeInfo(2, 1, 1024, nil)
	sem := NewShardExtentMap(s)
	sem.InsertInShard(2, 0, bufferlist.Zeros(16))

	it := sem.SliceIterator()
	require.True(t, it.Next())
	it.Buffers()[2][3] = 7

	buf, ok := sem.GetBuffer(2, 0, 16)
	require.True(t, ok)
	assert.Equal(t, byte(7), buf.Bytes()[3])
	assert.False(t, it.Next())
}

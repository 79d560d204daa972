package ecutil

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
	"github.com/kunal-geeks/ecstripe/internal/extent"
)

func shardRanges(t *testing.T, set *ShardExtentSet, shard int) []extent.Range {
	t.Helper()
	e, ok := set.Get(shard)
	require.True(t, ok, "shard %d missing from %s", shard, set)
	return e.Ranges()
}

func TestNewStripeInfo_Validate(t *testing.T) {
	cases := []struct {
		name    string
		k, m    int
		chunk   uint64
		mapping []int
		wantErr bool
	}{
		{"ok", 4, 2, 4096, nil, false},
		{"ok mapping", 2, 1, 1024, []int{2, 0, 1}, false},
		{"zero k", 0, 2, 4096, nil, true},
		{"negative m", 2, -1, 4096, nil, true},
		{"chunk not power of two", 2, 1, 1000, nil, true},
		{"zero chunk", 2, 1, 0, nil, true},
		{"mapping repeats", 2, 1, 1024, []int{0, 0, 1}, true},
		{"mapping out of range", 2, 1, 1024, []int{0, 1, 3}, true},
		{"mapping too long", 2, 1, 1024, []int{0, 1, 2, 3}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewStripeInfo(tc.k, tc.m, tc.chunk, tc.mapping)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStripeInfo_Mapping(t *testing.T) {
	s := MustStripeInfo(2, 1, 1024, []int{2, 0, 1})

	assert.Equal(t, 2048, int(s.StripeWidth()))
	assert.Equal(t, 3, s.KPlusM())
	assert.Equal(t, 2, s.Shard(0))
	assert.Equal(t, 0, s.RawShard(2))
	assert.Equal(t, []int{2, 0}, s.DataShards())
	assert.Equal(t, []int{1}, s.ParityShards())
	assert.True(t, s.IsDataShard(0))
	assert.False(t, s.IsDataShard(1))

	set := NewShardExtentSet(s.KPlusM())
	s.RORangeToShardExtentSet(0, 1500, set)
	assert.Equal(t, []extent.Range{{Off: 0, Len: 1024}}, shardRanges(t, set, 2))
	assert.Equal(t, []extent.Range{{Off: 0, Len: 476}}, shardRanges(t, set, 0))
	assert.False(t, set.Contains(1))
}

func TestRORangeToShards_WorkedExamples(t *testing.T) {
	s := MustStripeInfo(2, 1, 1024, nil)

	set := NewShardExtentSet(s.KPlusM())
	s.RORangeToShardExtentSet(0, 1500, set)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []extent.Range{{Off: 0, Len: 1024}}, shardRanges(t, set, 0))
	assert.Equal(t, []extent.Range{{Off: 0, Len: 476}}, shardRanges(t, set, 1))

	set = NewShardExtentSet(s.KPlusM())
	s.RORangeToShardExtentSet(1200, 1000, set)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []extent.Range{{Off: 176, Len: 848}}, shardRanges(t, set, 1))
	assert.Equal(t, []extent.Range{{Off: 1024, Len: 152}}, shardRanges(t, set, 0))
}

func TestRORangeToShards_SumOfLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, k := range []int{1, 2, 3, 5, 8} {
		for _, chunk := range []uint64{512, 1024, 4096} {
			s := MustStripeInfo(k, 2, chunk, nil)
			for i := 0; i < 200; i++ {
				off := uint64(rng.Intn(int(8 * s.StripeWidth())))
				size := uint64(rng.Intn(int(5*s.StripeWidth()))) + 1

				set := NewShardExtentSet(s.KPlusM())
				var superset extent.Set
				s.RORangeToShards(off, size, set, &superset, nil, nil)

				require.Equal(t, size, set.Size(), "k=%d chunk=%d %d~%d", k, chunk, off, size)
				for _, p := range s.ParityShards() {
					assert.False(t, set.Contains(p))
				}
				assert.True(t, superset.ContainsSet(set.Superset()))
			}
		}
	}
}

func TestRORangeToShardExtentSetWithParity(t *testing.T) {
	s := MustStripeInfo(3, 2, 1024, nil)
	set := NewShardExtentSet(s.KPlusM())
	s.RORangeToShardExtentSetWithParity(1000, 100, set)

	// Touches the tail of shard 0 and the head of shard 1.
	assert.Equal(t, []extent.Range{{Off: 1000, Len: 24}}, shardRanges(t, set, 0))
	assert.Equal(t, []extent.Range{{Off: 0, Len: 76}}, shardRanges(t, set, 1))
	want := []extent.Range{{Off: 0, Len: 76}, {Off: 1000, Len: 24}}
	assert.Equal(t, want, shardRanges(t, set, 3))
	assert.Equal(t, want, shardRanges(t, set, 4))
	assert.False(t, set.Contains(2))
}

func TestRORangeToShardExtentMap_SlicesWithoutCopy(t *testing.T) {
	s := MustStripeInfo(2, 1, 1024, nil)
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	sem := NewShardExtentMap(s)
	s.RORangeToShardExtentMap(0, uint64(len(data)), bufferlist.New(data), sem)

	// shard0 holds RO [0,1024) and [2048,3000).
	buf, ok := sem.GetBuffer(0, 0, 1976)
	require.True(t, ok)
	assert.Equal(t, append(append([]byte{}, data[:1024]...), data[2048:]...), buf.Bytes())

	buf, ok = sem.GetBuffer(1, 0, 1024)
	require.True(t, ok)
	data[1024] = 0xAA
	assert.Equal(t, byte(0xAA), buf.Bytes()[0], "shard buffers view the host buffer")
}

func TestStripeBounds(t *testing.T) {
	s := MustStripeInfo(4, 2, 1024, nil)

	assert.Equal(t, uint64(4096), s.LogicalToPrevStripeOffset(5000))
	assert.Equal(t, uint64(8192), s.LogicalToNextStripeOffset(5000))
	assert.Equal(t, uint64(8192), s.LogicalToNextStripeOffset(8192))

	off, length := s.OffsetLenToStripeBounds(5000, 4000)
	assert.Equal(t, uint64(4096), off)
	assert.Equal(t, uint64(8192), length)

	off, length = s.OffsetLenToChunkBounds(1500, 100)
	assert.Equal(t, uint64(1024), off)
	assert.Equal(t, uint64(1024), length)

	off, length = s.ChunkAlignedOffsetLenToChunk(5000, 4000)
	assert.Equal(t, uint64(1024), off)
	assert.Equal(t, uint64(2048), length)
}

func TestROOffsetToShardOffset(t *testing.T) {
	s := MustStripeInfo(3, 1, 1024, nil)
	// RO 4600 is raw shard 1, row 1, 504 bytes into the chunk.
	assert.Equal(t, uint64(1024+1024), s.ROOffsetToShardOffset(4600, 0))
	assert.Equal(t, uint64(1024+504), s.ROOffsetToShardOffset(4600, 1))
	assert.Equal(t, uint64(1024), s.ROOffsetToShardOffset(4600, 2))
}

func TestCalcROOffset_InvertsShardOffset(t *testing.T) {
	s := MustStripeInfo(3, 1, 1024, nil)
	for ro := uint64(0); ro < 4*s.StripeWidth(); ro += 37 {
		raw := int((ro / s.ChunkSize()) % 3)
		shardOff := s.ROOffsetToShardOffset(ro, raw)
		assert.Equal(t, ro, s.CalcROOffset(raw, shardOff))
		assert.Equal(t, ro+1, s.CalcROEnd(raw, shardOff+1))
	}
}

func TestMasks(t *testing.T) {
	p := bufferlist.PageSize
	s := MustStripeInfo(2, 1, 4*p, nil)

	t.Run("read mask", func(t *testing.T) {
		set := NewShardExtentSet(s.KPlusM())
		s.ROSizeToReadMask(10, set)
		assert.Equal(t, []int{0, 2}, set.Shards())
		assert.Equal(t, []extent.Range{{Off: 0, Len: p}}, shardRanges(t, set, 0))
		assert.Equal(t, []extent.Range{{Off: 0, Len: p}}, shardRanges(t, set, 2))
	})

	t.Run("stripe aligned read mask is trimmed", func(t *testing.T) {
		set := NewShardExtentSet(s.KPlusM())
		s.ROSizeToStripeAlignedReadMask(10, set)
		assert.Equal(t, []int{0, 1, 2}, set.Shards())
		for _, shard := range set.Shards() {
			assert.Equal(t, []extent.Range{{Off: 0, Len: p}}, shardRanges(t, set, shard))
		}
	})

	t.Run("stripe aligned read mask past first chunk", func(t *testing.T) {
		set := NewShardExtentSet(s.KPlusM())
		s.ROSizeToStripeAlignedReadMask(5*p, set)
		for _, shard := range set.Shards() {
			assert.Equal(t, []extent.Range{{Off: 0, Len: 4 * p}}, shardRanges(t, set, shard))
		}
	})

	t.Run("zero mask excludes parity", func(t *testing.T) {
		set := NewShardExtentSet(s.KPlusM())
		s.ROSizeToZeroMask(10, set)
		assert.Equal(t, []int{1}, set.Shards())
		assert.Equal(t, []extent.Range{{Off: 0, Len: p}}, shardRanges(t, set, 1))
	})

	t.Run("zero mask on stripe boundary", func(t *testing.T) {
		set := NewShardExtentSet(s.KPlusM())
		s.ROSizeToZeroMask(s.StripeWidth(), set)
		assert.True(t, set.Empty())
	})
}

func TestShardExtentSet(t *testing.T) {
	set := NewShardExtentSet(4)
	set.Insert(0, 0, 100)
	set.Insert(0, 100, 50)
	set.Insert(2, 500, 10)
	set.Insert(3, 0, 0)

	assert.Equal(t, []int{0, 2}, set.Shards())
	assert.Equal(t, uint64(160), set.Size())
	assert.Equal(t, "{0:[0~150], 2:[500~10]}", set.String())

	super := set.Superset()
	assert.Equal(t, []extent.Range{{Off: 0, Len: 150}, {Off: 500, Len: 10}}, super.Ranges())

	other := NewShardExtentSet(4)
	other.Insert(2, 0, 1000)
	other.Insert(1, 0, 10)
	c := set.Clone()
	c.Subtract(other)
	assert.Equal(t, []int{0}, c.Shards(), "emptied shards are dropped")
	assert.False(t, c.Contains(1))

	c.InsertSet(other)
	assert.Equal(t, []int{0, 1, 2}, c.Shards())
	assert.False(t, c.Equal(set))

	c = set.Clone()
	c.EraseAfter(120)
	assert.Equal(t, []int{0}, c.Shards())
	assert.Equal(t, uint64(120), c.Size())
	assert.True(t, set.Equal(set.Clone()))

	assert.Panics(t, func() { set.Insert(4, 0, 1) })
}

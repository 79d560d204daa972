package ecutil

import (
	"fmt"
	"iter"
	"strings"

	"github.com/kunal-geeks/ecstripe/internal/extent"
	"github.com/kunal-geeks/ecstripe/internal/shardmap"
)

// ShardExtentSet maps shard ids to the byte ranges needed (or present) on
// each shard. A shard whose set becomes empty is removed, so an absent
// shard and an empty one are indistinguishable.
type ShardExtentSet struct {
	sets *shardmap.Map[*extent.Set]
}

// NewShardExtentSet returns an empty set for shard ids in [0, maxShards).
func NewShardExtentSet(maxShards int) *ShardExtentSet {
	return &ShardExtentSet{sets: shardmap.New[*extent.Set](maxShards)}
}

// MaxShards returns the exclusive bound on shard ids.
func (s *ShardExtentSet) MaxShards() int { return s.sets.MaxSize() }

// Insert adds [off, off+length) to shard.
func (s *ShardExtentSet) Insert(shard int, off, length uint64) {
	if length == 0 {
		return
	}
	s.mutate(shard, func(e *extent.Set) { e.Insert(off, length) })
}

// Union adds every range of eset to shard.
func (s *ShardExtentSet) Union(shard int, eset extent.Set) {
	if eset.Empty() {
		return
	}
	s.mutate(shard, func(e *extent.Set) { e.Union(eset) })
}

// InsertSet adds every range of other, shard by shard.
func (s *ShardExtentSet) InsertSet(other *ShardExtentSet) {
	for shard, eset := range other.sets.All() {
		s.Union(shard, *eset)
	}
}

// Subtract removes every range of other, shard by shard.
func (s *ShardExtentSet) Subtract(other *ShardExtentSet) {
	for shard, eset := range other.sets.All() {
		if !s.Contains(shard) {
			continue
		}
		s.mutate(shard, func(e *extent.Set) { e.Subtract(*eset) })
	}
}

// EraseAfter removes every range at or beyond off on every shard.
func (s *ShardExtentSet) EraseAfter(off uint64) {
	for _, shard := range s.sets.Keys() {
		s.mutate(shard, func(e *extent.Set) { e.EraseAfter(off) })
	}
}

// Erase drops shard entirely.
func (s *ShardExtentSet) Erase(shard int) { s.sets.Delete(shard) }

// Get returns the ranges for shard; absent shards yield an empty set.
func (s *ShardExtentSet) Get(shard int) (extent.Set, bool) {
	e, ok := s.sets.Get(shard)
	if !ok {
		return extent.Set{}, false
	}
	return e.Clone(), true
}

// Contains reports whether shard has any ranges.
func (s *ShardExtentSet) Contains(shard int) bool { return s.sets.Contains(shard) }

// Len returns the number of shards with ranges.
func (s *ShardExtentSet) Len() int { return s.sets.Len() }

// Empty reports whether no shard has ranges.
func (s *ShardExtentSet) Empty() bool { return s.sets.Empty() }

// Shards returns the shard ids with ranges in ascending order.
func (s *ShardExtentSet) Shards() []int { return s.sets.Keys() }

// All iterates shards in ascending order with a copy of their ranges.
func (s *ShardExtentSet) All() iter.Seq2[int, extent.Set] {
	return func(yield func(int, extent.Set) bool) {
		for shard, e := range s.sets.All() {
			if !yield(shard, e.Clone()) {
				return
			}
		}
	}
}

// Superset returns the union of every shard's ranges.
func (s *ShardExtentSet) Superset() extent.Set {
	var out extent.Set
	for _, e := range s.sets.All() {
		out.Union(*e)
	}
	return out
}

// Size returns the total number of bytes across all shards.
func (s *ShardExtentSet) Size() uint64 {
	var n uint64
	for _, e := range s.sets.All() {
		n += e.Size()
	}
	return n
}

// Equal reports whether both sets hold the same ranges on the same shards.
func (s *ShardExtentSet) Equal(o *ShardExtentSet) bool {
	if s.sets.Len() != o.sets.Len() {
		return false
	}
	for shard, e := range s.sets.All() {
		oe, ok := o.sets.Get(shard)
		if !ok || !e.Equal(*oe) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s *ShardExtentSet) Clone() *ShardExtentSet {
	out := NewShardExtentSet(s.MaxShards())
	for shard, e := range s.sets.All() {
		c := e.Clone()
		out.sets.Set(shard, &c)
	}
	return out
}

func (s *ShardExtentSet) String() string {
	parts := make([]string, 0, s.sets.Len())
	for shard, e := range s.sets.All() {
		parts = append(parts, fmt.Sprintf("%d:%s", shard, e))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (s *ShardExtentSet) mutate(shard int, fn func(*extent.Set)) {
	e, ok := s.sets.Get(shard)
	if !ok {
		e = &extent.Set{}
	}
	fn(e)
	if e.Empty() {
		s.sets.Delete(shard)
		return
	}
	s.sets.Set(shard, e)
}

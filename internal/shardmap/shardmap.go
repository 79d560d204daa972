// Package shardmap provides a map keyed by small, bounded shard indices.
//
// The map is a fixed array of optional slots, so lookups are O(1) with no
// hashing and iteration is always in ascending key order. Using a key
// outside [0, MaxSize) is a caller bug and panics.
package shardmap

import (
	"fmt"
	"iter"
)

type slot[T any] struct {
	val T
	ok  bool
}

// Map holds at most one value per index in [0, MaxSize).
type Map[T any] struct {
	slots []slot[T]
	n     int
}

// New returns an empty map accepting indices in [0, maxSize).
func New[T any](maxSize int) *Map[T] {
	return &Map[T]{slots: make([]slot[T], maxSize)}
}

func (m *Map[T]) check(i int) {
	if i < 0 || i >= len(m.slots) {
		panic(fmt.Sprintf("shardmap: index %d out of range [0,%d)", i, len(m.slots)))
	}
}

// MaxSize returns the exclusive upper bound on indices.
func (m *Map[T]) MaxSize() int { return len(m.slots) }

// Len returns the number of populated slots.
func (m *Map[T]) Len() int { return m.n }

// Empty reports whether no slot is populated.
func (m *Map[T]) Empty() bool { return m.n == 0 }

// Get returns the value at i and whether it is present.
func (m *Map[T]) Get(i int) (T, bool) {
	m.check(i)
	s := m.slots[i]
	return s.val, s.ok
}

// Contains reports whether slot i is populated.
func (m *Map[T]) Contains(i int) bool {
	m.check(i)
	return m.slots[i].ok
}

// Set stores v at i, replacing any existing value.
func (m *Map[T]) Set(i int, v T) {
	m.check(i)
	if !m.slots[i].ok {
		m.n++
	}
	m.slots[i] = slot[T]{val: v, ok: true}
}

// Delete clears slot i and reports whether it was populated.
func (m *Map[T]) Delete(i int) bool {
	m.check(i)
	if !m.slots[i].ok {
		return false
	}
	var zero T
	m.slots[i] = slot[T]{val: zero}
	m.n--
	return true
}

// Clear empties the map.
func (m *Map[T]) Clear() {
	clear(m.slots)
	m.n = 0
}

// All iterates populated slots in ascending index order. Deleting the
// current index while iterating is allowed.
func (m *Map[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := range m.slots {
			if !m.slots[i].ok {
				continue
			}
			if !yield(i, m.slots[i].val) {
				return
			}
		}
	}
}

// Keys returns the populated indices in ascending order.
func (m *Map[T]) Keys() []int {
	keys := make([]int, 0, m.n)
	for i := range m.slots {
		if m.slots[i].ok {
			keys = append(keys, i)
		}
	}
	return keys
}

// Clone returns a shallow copy: values are copied by assignment.
func (m *Map[T]) Clone() *Map[T] {
	out := &Map[T]{slots: make([]slot[T], len(m.slots)), n: m.n}
	copy(out.slots, m.slots)
	return out
}

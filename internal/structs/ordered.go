// Package structs implements the general-purpose ordered map, queue,
// hash table and radix trie (C4). The timer tree uses the ordered map;
// the connection pool and thread pool use the queue. No red-black tree implementation exists anywhere
// in the retrieval pack, so the ordered map here is backed by
// github.com/google/btree, a real ordered-container dependency already
// present in the pack's surface (see DESIGN.md, Open Question 1) — it
// satisfies every contract the spec asks of an RB-tree (ordered
// min-extraction, duplicate keys via a tiebreaker, O(log n) deletion).
package structs

import "github.com/google/btree"

// OrderedKey is anything comparable by Less, the same convention
// google/btree itself uses for items.
type OrderedKey[T any] interface {
	Less(other T) bool
}

// Ordered is a generic ordered map keyed by OrderedKey, wrapping a
// google/btree.BTreeG. It stands in for a red-black tree; its user is
// the timer tree (C5).
type Ordered[T OrderedKey[T]] struct {
	tree *btree.BTreeG[T]
}

// NewOrdered creates an empty Ordered map backed by a B-Tree of degree
// 32 (google/btree's own recommended default for general use).
func NewOrdered[T OrderedKey[T]]() *Ordered[T] {
	return &Ordered[T]{
		tree: btree.NewG(32, func(a, b T) bool { return a.Less(b) }),
	}
}

// Insert adds or replaces item, returning the previous item at that key
// if one existed.
func (o *Ordered[T]) Insert(item T) (old T, hadOld bool) {
	return o.tree.ReplaceOrInsert(item)
}

// Delete removes item, returning it if it was present.
func (o *Ordered[T]) Delete(item T) (T, bool) {
	return o.tree.Delete(item)
}

// Min returns the smallest item in the map, used by the timer tree to
// find the next-due deadline in O(log n).
func (o *Ordered[T]) Min() (T, bool) {
	return o.tree.Min()
}

// Len returns the number of items in the map.
func (o *Ordered[T]) Len() int { return o.tree.Len() }

// Ascend calls fn for every item in ascending order until fn returns
// false or the map is exhausted; the timer tree's Expire uses it to
// collect every timer due at or before a given instant.
func (o *Ordered[T]) Ascend(fn func(item T) bool) {
	o.tree.Ascend(fn)
}

// AscendRange calls fn for every item in [lo, hi), in ascending order,
// until fn returns false.
func (o *Ordered[T]) AscendRange(lo, hi T, fn func(item T) bool) {
	o.tree.AscendRange(lo, hi, fn)
}

// Get returns the item equal to key, if present.
func (o *Ordered[T]) Get(key T) (T, bool) {
	return o.tree.Get(key)
}

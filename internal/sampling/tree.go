// Package sampling implements a weighted sampling tree: a bucketed tree over
// weighted items supporting proportional-to-weight selection and removal in
// logarithmic time.
//
// Buckets live in an arena and reference their children by index. A leaf
// holds up to B items, an interior bucket up to B children, and every bucket
// caches the total weight below it. Items occupy contiguous weight ranges in
// insertion order, so a uniform position in [0, Size()) selects an item
// with probability weight/Size().
//
// A Tree is not safe for concurrent use.
package sampling

import (
	"errors"
	"iter"
	"math"
	"slices"
)

// DefaultBranching is the bucket capacity used when New is given less than 2.
const DefaultBranching = 16

var (
	ErrZeroWeight = errors.New("sampling: item has zero weight")
	ErrOverflow   = errors.New("sampling: total weight overflows")
	ErrOutOfRange = errors.New("sampling: position out of range")
)

// Weighted is an item with a sampling weight. The weight must not change
// while the item is in a tree.
type Weighted interface {
	Weight() uint64
}

type bucket[T Weighted] struct {
	size     uint64
	children []int // interior buckets
	elements []T   // leaves
}

// Tree is a weighted sampling tree with a fixed branching factor.
type Tree[T Weighted] struct {
	arena  []bucket[T]
	free   []int
	root   int
	depth  int // 0: the root is a leaf
	branch int
	count  int
}

// New returns an empty tree whose buckets hold up to branching entries.
func New[T Weighted](branching int) *Tree[T] {
	if branching < 2 {
		branching = DefaultBranching
	}
	t := &Tree[T]{branch: branching}
	t.root = t.alloc()
	return t
}

func (t *Tree[T]) alloc() int {
	if n := len(t.free); n > 0 {
		i := t.free[n-1]
		t.free = t.free[:n-1]
		return i
	}
	t.arena = append(t.arena, bucket[T]{})
	return len(t.arena) - 1
}

// release returns b and its subtree to the free list.
func (t *Tree[T]) release(b int) {
	bk := &t.arena[b]
	for _, c := range bk.children {
		t.release(c)
	}
	clear(bk.elements)
	bk.elements = bk.elements[:0]
	bk.children = bk.children[:0]
	bk.size = 0
	t.free = append(t.free, b)
}

// Size is the total weight of all items.
func (t *Tree[T]) Size() uint64 { return t.arena[t.root].size }

// Len is the number of items.
func (t *Tree[T]) Len() int { return t.count }

// Add inserts item. Items of weight zero are rejected with ErrZeroWeight
// since no position could ever select them.
func (t *Tree[T]) Add(item T) error {
	w := item.Weight()
	if w == 0 {
		return ErrZeroWeight
	}
	if t.Size() > math.MaxUint64-w {
		return ErrOverflow
	}
	if !t.add(t.root, t.depth, item, w) {
		// Every bucket on the right edge is full: grow one level.
		old := t.root
		t.root = t.alloc()
		t.arena[t.root].children = append(t.arena[t.root].children, old)
		t.arena[t.root].size = t.arena[old].size
		t.depth++
		t.add(t.root, t.depth, item, w)
	}
	t.count++
	return nil
}

// add places item in the subtree of b, extending its most recent child
// first. It reports false when the subtree is full.
func (t *Tree[T]) add(b, depth int, item T, w uint64) bool {
	if depth == 0 {
		bk := &t.arena[b]
		if len(bk.elements) >= t.branch {
			return false
		}
		bk.elements = append(bk.elements, item)
		bk.size += w
		return true
	}
	if n := len(t.arena[b].children); n > 0 && t.add(t.arena[b].children[n-1], depth-1, item, w) {
		t.arena[b].size += w
		return true
	}
	if len(t.arena[b].children) >= t.branch {
		return false
	}
	// alloc may grow the arena, so b is indexed again below.
	c := t.alloc()
	t.add(c, depth-1, item, w)
	t.arena[b].children = append(t.arena[b].children, c)
	t.arena[b].size += w
	return true
}

// Get returns the item whose weight range contains pos.
func (t *Tree[T]) Get(pos uint64) (T, error) {
	var zero T
	if pos >= t.Size() {
		return zero, ErrOutOfRange
	}
	b := t.root
	for d := t.depth; d > 0; d-- {
		_, b, pos = t.childAt(b, pos)
	}
	for _, e := range t.arena[b].elements {
		w := e.Weight()
		if pos < w {
			return e, nil
		}
		pos -= w
	}
	panic("sampling: bucket size out of sync with its items")
}

// childAt finds the child of b covering pos. It returns the child's slot in
// b, its arena index and pos relative to it.
func (t *Tree[T]) childAt(b int, pos uint64) (slot, child int, rel uint64) {
	for i, c := range t.arena[b].children {
		s := t.arena[c].size
		if pos < s {
			return i, c, pos
		}
		pos -= s
	}
	panic("sampling: bucket size out of sync with its children")
}

// Remove deletes and returns the item whose weight range contains pos.
// Buckets left empty are released.
func (t *Tree[T]) Remove(pos uint64) (T, error) {
	var zero T
	if pos >= t.Size() {
		return zero, ErrOutOfRange
	}
	type step struct{ bucket, slot int }
	path := make([]step, 0, t.depth)
	b := t.root
	for d := t.depth; d > 0; d-- {
		slot, c, rel := t.childAt(b, pos)
		path = append(path, step{b, slot})
		b, pos = c, rel
	}

	leaf := &t.arena[b]
	i := 0
	for ; i < len(leaf.elements); i++ {
		w := leaf.elements[i].Weight()
		if pos < w {
			break
		}
		pos -= w
	}
	item := leaf.elements[i]
	w := item.Weight()
	leaf.elements = slices.Delete(leaf.elements, i, i+1)
	leaf.size -= w

	child := b
	for j := len(path) - 1; j >= 0; j-- {
		p := path[j]
		t.arena[p.bucket].size -= w
		if t.arena[child].size == 0 {
			t.arena[p.bucket].children = slices.Delete(t.arena[p.bucket].children, p.slot, p.slot+1)
			t.release(child)
		}
		child = p.bucket
	}
	t.count--
	if t.count == 0 {
		t.release(t.root)
		t.root = t.alloc()
		t.depth = 0
	}
	return item, nil
}

// All yields every item in insertion order. The tree must not be modified
// during iteration.
func (t *Tree[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		type frame struct{ bucket, depth int }
		stack := []frame{{t.root, t.depth}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			bk := &t.arena[f.bucket]
			if f.depth == 0 {
				for _, e := range bk.elements {
					if !yield(e) {
						return
					}
				}
				continue
			}
			for i := len(bk.children) - 1; i >= 0; i-- {
				stack = append(stack, frame{bk.children[i], f.depth - 1})
			}
		}
	}
}

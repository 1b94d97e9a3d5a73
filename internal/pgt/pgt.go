// Package pgt implements the page-table free-block allocator: a fixed-size
// index space backing memory-region page tables, managed by a sorted
// doubly-linked list of free (idx, len) intervals.
package pgt

import (
	"container/list"
	"errors"
)

// ErrExhausted is returned by Alloc when no free block is large enough.
var ErrExhausted = errors.New("pgt: no free block large enough")

type freeBlock struct {
	idx uint32
	len uint32
}

// Allocator manages a fixed-size index space [0, size) as a set of
// disjoint free intervals. Alloc performs first-fit search; Dealloc
// inserts the freed interval back in sorted-by-length position and
// coalesces it with any adjacent free neighbours, so the invariant "free
// blocks are non-overlapping, non-adjacent, and cover exactly the unused
// index set" always holds between calls.
type Allocator struct {
	size   uint32
	blocks *list.List // of freeBlock; Dealloc inserts by len ascending, Alloc shrinks a block in place without moving it
}

// NewAllocator returns an Allocator over the index range [0, size), with
// a single free block initially covering the whole range.
func NewAllocator(size uint32) *Allocator {
	a := &Allocator{size: size, blocks: list.New()}
	a.blocks.PushBack(freeBlock{idx: 0, len: size})
	return a
}

// Alloc reserves the first free block with len >= n, splitting it if it is
// larger, and returns the starting index of the n-entry span reserved.
func (a *Allocator) Alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	for el := a.blocks.Front(); el != nil; el = el.Next() {
		b := el.Value.(freeBlock)
		if b.len < n {
			continue
		}
		idx := b.idx
		if b.len == n {
			a.blocks.Remove(el)
		} else {
			el.Value = freeBlock{idx: b.idx + n, len: b.len - n}
		}
		return idx, nil
	}
	return 0, ErrExhausted
}

// Dealloc returns the n-entry span starting at idx to the free pool,
// coalescing with any free neighbour whose range touches it.
func (a *Allocator) Dealloc(idx, n uint32) {
	if n == 0 {
		return
	}
	newBlock := freeBlock{idx: idx, len: n}

	// remove any immediate left/right neighbours, merging them into
	// newBlock, before reinserting — this keeps the coalescing logic in
	// one pass regardless of insertion order.
	for el := a.blocks.Front(); el != nil; {
		b := el.Value.(freeBlock)
		next := el.Next()
		switch {
		case b.idx+b.len == newBlock.idx:
			newBlock.idx = b.idx
			newBlock.len += b.len
			a.blocks.Remove(el)
		case newBlock.idx+newBlock.len == b.idx:
			newBlock.len += b.len
			a.blocks.Remove(el)
		}
		el = next
	}

	// insert sorted by length ascending, matching first-fit's scan order.
	for el := a.blocks.Front(); el != nil; el = el.Next() {
		if el.Value.(freeBlock).len > newBlock.len {
			a.blocks.InsertBefore(newBlock, el)
			return
		}
	}
	a.blocks.PushBack(newBlock)
}

// FreeBlockCount returns the number of disjoint free intervals currently
// tracked — used by tests to assert full coalescing back to a single
// block.
func (a *Allocator) FreeBlockCount() int {
	return a.blocks.Len()
}

// FullyFree reports whether the allocator holds exactly one free block
// spanning its entire index range.
func (a *Allocator) FullyFree() bool {
	if a.blocks.Len() != 1 {
		return false
	}
	b := a.blocks.Front().Value.(freeBlock)
	return b.idx == 0 && b.len == a.size
}

package rdma

import (
	"math/rand/v2"
	"sync"

	"github.com/myrfy001/open-rdma-driver/internal/pgt"
)

// mrSlot is one entry of the MR table.
type mrSlot struct {
	inUse          bool
	tag            uint32
	mr             Mr
	pgtIdx, pgtCnt uint32
}

// mrTable is the Device's memory-region table: MrTableSize slots, each
// guarded by a random tag so a stale Key from a deregistered-then-reused
// slot is rejected rather than silently granting access to the new
// registration. Page-table index space is a per-Device resource shared by
// every slot, so the allocator backing it lives here too.
type mrTable struct {
	mu    sync.Mutex
	slots [MrTableSize]mrSlot
	pgt   *pgt.Allocator
}

func newMrTable() *mrTable {
	return &mrTable{pgt: pgt.NewAllocator(MrPgtSize)}
}

// reserve finds a free MR slot and a contiguous page-table span of pgtCnt
// entries, marks both in-use, and returns the Key identifying the new
// registration along with the page-table index the caller should program
// via UpdatePageTable before UpdateMrTable.
func (t *mrTable) reserve(pd Pd, va uint64, length uint32, pgtCnt uint32, flags AccessFlag) (Key, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, err := t.findFreeSlot()
	if err != nil {
		return 0, 0, err
	}

	pgtIdx, err := t.pgt.Alloc(pgtCnt)
	if err != nil {
		return 0, 0, NewError("RegMR", ErrCodeResourceExhausted, err.Error())
	}

	tag := rand.Uint32()
	t.slots[slot] = mrSlot{
		inUse:  true,
		tag:    tag,
		mr:     Mr{Pd: pd, Va: va, Len: length, Flags: flags},
		pgtIdx: pgtIdx,
		pgtCnt: pgtCnt,
	}
	key := newKey(slot, tag)
	t.slots[slot].mr.Key = key
	return key, pgtIdx, nil
}

func (t *mrTable) findFreeSlot() (uint32, error) {
	for i := range t.slots {
		if !t.slots[i].inUse {
			return uint32(i), nil
		}
	}
	return 0, NewError("RegMR", ErrCodeResourceExhausted, "mr table full")
}

// lookup validates key against the slot it names and returns the Mr if
// the slot is in use and the tag matches.
func (t *mrTable) lookup(key Key) (Mr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := key.slotIndex()
	if slot >= MrTableSize {
		return Mr{}, false
	}
	s := t.slots[slot]
	if !s.inUse || s.tag != key.tag() {
		return Mr{}, false
	}
	return s.mr, true
}

// release frees key's slot and its page-table span, returning the
// page-table index and count so the caller can submit an invalidating
// UpdateMrTable/UpdatePageTable pair before they're reused. Releasing an
// unknown or already-free key is a no-op and returns ok=false.
func (t *mrTable) release(key Key) (pgtIdx, pgtCnt uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := key.slotIndex()
	if slot >= MrTableSize {
		return 0, 0, false
	}
	s := t.slots[slot]
	if !s.inUse || s.tag != key.tag() {
		return 0, 0, false
	}
	t.pgt.Dealloc(s.pgtIdx, s.pgtCnt)
	t.slots[slot] = mrSlot{}
	return s.pgtIdx, s.pgtCnt, true
}

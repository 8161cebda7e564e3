package txn

import (
	"sync"

	"github.com/holystardb/cos/internal/errkind"
	"github.com/holystardb/cos/internal/pageio"
)

// Rseg is one rollback segment, spec.md §4.5: a fixed range of
// residency-pinned transaction-slot pages, a free list of in-memory
// trx descriptors, and insert/update undo-page caches.
type Rseg struct {
	ID           uint8
	SpaceID      uint32
	SlotPageNos  []uint32
	SlotsPerPage int

	mu          sync.Mutex
	freeSlots   []ID     // slots currently END and available for trx_begin
	insertCache []uint32 // undo pages reusable without touching the FSM
	updateCache []uint32
}

// popFreeSlot takes one free slot id, incrementing its xnum (the
// END → BEGIN edge of spec.md §3.4).
func (r *Rseg) popFreeSlot() (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.freeSlots)
	if n == 0 {
		return 0, false
	}
	id := r.freeSlots[n-1]
	r.freeSlots = r.freeSlots[:n-1]
	next := NewID(id.RsegID(), id.Slot(), id.Xnum()+1)
	return next, true
}

// pushFreeSlot returns a slot (already stamped END) to the free list.
func (r *Rseg) pushFreeSlot(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeSlots = append(r.freeSlots, id)
}

// cacheInsertUndoPage returns an insert-undo page to the rseg's cache
// (spec.md §4.5 trx_commit step 4), or reports the cache is full so
// the caller must release it to the tablespace free-space map instead.
func (r *Rseg) cacheInsertUndoPage(pageNo uint32, capacity int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.insertCache) >= capacity {
		return false
	}
	r.insertCache = append(r.insertCache, pageNo)
	return true
}

func (r *Rseg) cacheUpdateUndoPage(pageNo uint32, capacity int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updateCache) >= capacity {
		return false
	}
	r.updateCache = append(r.updateCache, pageNo)
	return true
}

func (r *Rseg) takeCachedInsertUndoPage() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.insertCache)
	if n == 0 {
		return 0, false
	}
	p := r.insertCache[n-1]
	r.insertCache = r.insertCache[:n-1]
	return p, true
}

func (r *Rseg) takeCachedUpdateUndoPage() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.updateCache)
	if n == 0 {
		return 0, false
	}
	p := r.updateCache[n-1]
	r.updateCache = r.updateCache[:n-1]
	return p, true
}

// slotPageID returns the page holding slot index i of this rseg.
func (r *Rseg) slotPageID(slotIdx int) (pageio.ID, int, error) {
	page := slotIdx / r.SlotsPerPage
	if page >= len(r.SlotPageNos) {
		return pageio.ID{}, 0, errkind.New(errkind.Corruption, "slot index out of range", slotIdx)
	}
	offsetInPage := slotIdx % r.SlotsPerPage
	return pageio.ID{SpaceID: r.SpaceID, PageNo: r.SlotPageNos[page]}, offsetInPage, nil
}

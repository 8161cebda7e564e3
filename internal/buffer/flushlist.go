package buffer

import "sync"

// flushList is the dirty-page list of spec.md §4.2/§8: strictly
// ordered by ascending recovery_lsn, which is the invariant the
// checkpointer relies on (§4.8 step 1: least_recovery_point is just
// the list's tail... here its head, since we insert in ascending
// order and always read off the front).
type flushList struct {
	mu   sync.Mutex
	pool *poolArena

	head, tail uint32
	length     int
}

func newFlushList(pool *poolArena) *flushList {
	return &flushList{pool: pool, head: noFrame, tail: noFrame}
}

// insert splices idx into the list keeping ascending recovery_lsn
// order. Pages are almost always appended near the tail (MTR start
// LSNs are themselves roughly monotone), so this walks from the tail
// backward, which is O(1) amortized in the common case.
func (fl *flushList) insert(idx uint32) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	f := fl.pool.frames[idx]
	if f.inFlush {
		return // already dirty and listed; recovery_lsn does not change
	}
	lsn := f.RecoveryLSN()

	cur := fl.tail
	for cur != noFrame && fl.pool.frames[cur].RecoveryLSN() > lsn {
		cur = fl.pool.frames[cur].flushPrev
	}

	if cur == noFrame {
		// New global minimum: becomes the head.
		f.flushPrev = noFrame
		f.flushNext = fl.head
		if fl.head != noFrame {
			fl.pool.frames[fl.head].flushPrev = idx
		}
		fl.head = idx
		if fl.tail == noFrame {
			fl.tail = idx
		}
	} else {
		next := fl.pool.frames[cur].flushNext
		f.flushPrev = cur
		f.flushNext = next
		fl.pool.frames[cur].flushNext = idx
		if next != noFrame {
			fl.pool.frames[next].flushPrev = idx
		} else {
			fl.tail = idx
		}
	}
	f.inFlush = true
	fl.length++
}

func (fl *flushList) remove(idx uint32) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	f := fl.pool.frames[idx]
	if !f.inFlush {
		return
	}
	if f.flushPrev != noFrame {
		fl.pool.frames[f.flushPrev].flushNext = f.flushNext
	} else {
		fl.head = f.flushNext
	}
	if f.flushNext != noFrame {
		fl.pool.frames[f.flushNext].flushPrev = f.flushPrev
	} else {
		fl.tail = f.flushPrev
	}
	f.flushPrev, f.flushNext = noFrame, noFrame
	f.inFlush = false
	fl.length--
}

// oldest returns the frame index with the smallest recovery_lsn, i.e.
// checkpoint's least_recovery_point source (spec.md §4.8 step 1).
func (fl *flushList) oldest() (uint32, bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.head == noFrame {
		return 0, false
	}
	return fl.head, true
}

// drain returns up to n frame indices starting from the oldest
// (ascending recovery_lsn), without removing them — the caller
// removes each as it durably flushes it (spec.md §4.8 step 7).
func (fl *flushList) drain(n int) []uint32 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	out := make([]uint32, 0, n)
	cur := fl.head
	for cur != noFrame && len(out) < n {
		out = append(out, cur)
		cur = fl.pool.frames[cur].flushNext
	}
	return out
}

func (fl *flushList) Len() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.length
}

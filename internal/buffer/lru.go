package buffer

import "sync"

// lruList is an arena-indexed intrusive doubly linked list (Design
// Notes §9): it stores only frame indices, never pointers, so an
// evicted-and-reused frame can never leave a dangling link. It is a
// single recency list: new and touched pages go to the head, and
// victim scans from the tail. youngPercent is stored but no code reads
// it; there is no separate young/old sublist.
type lruList struct {
	mu   sync.Mutex
	pool *poolArena

	head, tail uint32 // most-recently-used .. least-recently-used
	length     int

	youngPercent float64 // fraction of the list considered "young"
}

func newLRUList(pool *poolArena, youngPercent float64) *lruList {
	if youngPercent <= 0 || youngPercent > 1 {
		youngPercent = 0.63 // InnoDB's historical default split point
	}
	return &lruList{pool: pool, head: noFrame, tail: noFrame, youngPercent: youngPercent}
}

// touch moves idx to the head (most-recently-used), incrementing its
// touch number. Matches spec.md §4.2: "hot pages may be fetched in
// the young sublist head".
func (l *lruList) touch(idx uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.pool.frames[idx]
	f.touchNumber.Add(1)
	if l.head == idx {
		return
	}
	l.unlinkLocked(idx)
	l.linkHeadLocked(idx)
}

func (l *lruList) insertHead(idx uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linkHeadLocked(idx)
}

func (l *lruList) linkHeadLocked(idx uint32) {
	f := l.pool.frames[idx]
	f.lruPrev = noFrame
	f.lruNext = l.head
	if l.head != noFrame {
		l.pool.frames[l.head].lruPrev = idx
	}
	l.head = idx
	if l.tail == noFrame {
		l.tail = idx
	}
	f.inLRU = true
	l.length++
}

func (l *lruList) remove(idx uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlinkLocked(idx)
}

func (l *lruList) unlinkLocked(idx uint32) {
	f := l.pool.frames[idx]
	if !f.inLRU {
		return
	}
	if f.lruPrev != noFrame {
		l.pool.frames[f.lruPrev].lruNext = f.lruNext
	} else {
		l.head = f.lruNext
	}
	if f.lruNext != noFrame {
		l.pool.frames[f.lruNext].lruPrev = f.lruPrev
	} else {
		l.tail = f.lruPrev
	}
	f.lruPrev, f.lruNext = noFrame, noFrame
	f.inLRU = false
	l.length--
}

// victim picks an eviction candidate: the coldest (tail) frame with
// fix_count == 0, scanning forward from the tail a bounded number of
// steps to skip pinned pages, matching the scanner thread's role in
// spec.md §4.2 without a separate goroutine per pool (callers that
// want the background sweep wire this into a ticker explicitly, see
// checkpoint.Checkpointer).
func (l *lruList) victim() (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	const maxScan = 64
	idx := l.tail
	for i := 0; i < maxScan && idx != noFrame; i++ {
		f := l.pool.frames[idx]
		if f.FixCount() == 0 && !f.IsResident() {
			return idx, true
		}
		idx = f.lruPrev
	}
	return 0, false
}

func (l *lruList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Package buffer implements the fixed-size buffer pool of spec.md
// §4.2 and §3.7: one Frame per UNIV_PAGE_SIZE slot in a pre-allocated
// arena, a striped page-hash table, an LRU replacement list, and a
// flush list kept ordered by recovery LSN. Frames are referenced by
// arena index everywhere (LRU/flush links, page-hash buckets) rather
// than by pointer, per Design Notes §9 — the arena backing array
// outlives any single index, so eviction never dangles a reference.
package buffer

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/holystardb/cos/internal/latch"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

// noFrame is the sentinel "no link" index, analogous to a null
// pointer in the teacher's pointer-graph lists.
const noFrame = ^uint32(0)

// Frame is one buffer-pool slot, spec.md §3.7.
type Frame struct {
	PageID pageio.ID
	Page   *pageio.Page

	RWLock latch.RWLatch

	fixCount atomic.Int32
	isDirty  atomic.Bool
	resident atomic.Bool // pinned permanently once fetched (§4.2 RESIDENT)

	recoveryLSN         atomic.Uint64 // redo.LSN; MTR start_lsn that first dirtied this page since last flush
	newestModificationLSN atomic.Uint64

	touchNumber atomic.Uint64

	// Intrusive list links, by arena index (noFrame = unlinked).
	lruPrev, lruNext     uint32
	flushPrev, flushNext uint32
	inLRU, inFlush       bool
}

func (f *Frame) FixCount() int32     { return f.fixCount.Load() }
func (f *Frame) Fix()                { f.fixCount.Add(1) }
func (f *Frame) Unfix()              { f.fixCount.Add(-1) }
func (f *Frame) IsDirty() bool       { return f.isDirty.Load() }
func (f *Frame) IsResident() bool    { return f.resident.Load() }
func (f *Frame) RecoveryLSN() redo.LSN { return redo.LSN(f.recoveryLSN.Load()) }
func (f *Frame) NewestModLSN() redo.LSN {
	return redo.LSN(f.newestModificationLSN.Load())
}

// reset clears a frame's identity so it can be reused for a different
// page after eviction.
func (f *Frame) reset() {
	f.PageID = pageio.ID{}
	f.Page = nil
	f.fixCount.Store(0)
	f.isDirty.Store(false)
	f.resident.Store(false)
	f.recoveryLSN.Store(0)
	f.newestModificationLSN.Store(0)
	f.touchNumber.Store(0)
}

// poolArena is the backing store of all frames, sized once at pool
// creation. Guarded separately from the LRU/hash bookkeeping so a
// page's latch can be taken without holding pool-wide locks.
type poolArena struct {
	mu     sync.Mutex
	frames []*Frame
}

func newArena(n int) *poolArena {
	a := &poolArena{frames: make([]*Frame, n)}
	for i := range a.frames {
		a.frames[i] = &Frame{lruPrev: noFrame, lruNext: noFrame, flushPrev: noFrame, flushNext: noFrame}
	}
	return a
}

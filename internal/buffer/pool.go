package buffer

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/holystardb/cos/internal/errkind"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
)

// LatchMode selects how buf_page_get latches the returned frame
// before handing it back, spec.md §4.2.
type LatchMode int

const (
	LatchNone LatchMode = iota
	LatchS
	LatchX
)

// FetchMode selects the IO behavior of buf_page_get_gen, spec.md §4.2.
type FetchMode int

const (
	FetchNormal   FetchMode = iota
	FetchResident           // pinned permanently once fetched
	FetchIfInPool           // never performs IO; a miss returns a nil Handle and nil error
)

// Pool is the fixed-size buffer pool of spec.md §4.2.
type Pool struct {
	arena     *poolArena
	hash      *pageHash
	lru       *lruList
	flush     *flushList
	spaces    *pageio.SpaceManager
	freeList  chan uint32 // free frame indices
	dirtyPages atomic.Int32
}

// NewPool allocates numFrames frames and wires them to spaces for
// on-miss IO.
func NewPool(numFrames int, spaces *pageio.SpaceManager) *Pool {
	arena := newArena(numFrames)
	p := &Pool{
		arena:    arena,
		hash:     newPageHash(),
		lru:      newLRUList(arena, 0.63),
		flush:    newFlushList(arena),
		spaces:   spaces,
		freeList: make(chan uint32, numFrames),
	}
	for i := range arena.frames {
		p.freeList <- uint32(i)
	}
	return p
}

// Handle is a pinned, latched reference to a frame, returned to
// callers by Get/Create. MTR registers the Handle in its memo and
// releases the latch at commit (spec.md §4.3).
type Handle struct {
	idx   uint32
	frame *Frame
	mode  LatchMode
}

func (h *Handle) Page() *pageio.Page       { return h.frame.Page }
func (h *Handle) PageID() pageio.ID        { return h.frame.PageID }
func (h *Handle) Frame() *Frame            { return h.frame }
func (h *Handle) Unlatch() {
	switch h.mode {
	case LatchX:
		h.frame.RWLock.UnlockX()
	case LatchS:
		h.frame.RWLock.UnlockS()
	}
}

// Get implements buf_page_get: lookup-or-fetch, pin, latch.
func (p *Pool) Get(id pageio.ID, mode LatchMode) (*Handle, error) {
	return p.getGen(id, mode, FetchNormal)
}

// GetResident implements the RESIDENT variant of buf_page_get_gen,
// spec.md §4.2: the page is pinned permanently once fetched, used for
// transaction-slot pages.
func (p *Pool) GetResident(id pageio.ID, mode LatchMode) (*Handle, error) {
	return p.getGen(id, mode, FetchResident)
}

// Create implements buf_page_create: as Get but never performs IO —
// the caller is about to initialize the page from scratch.
func (p *Pool) Create(id pageio.ID, mode LatchMode) (*Handle, error) {
	idx, err := p.allocFrame(id)
	if err != nil {
		return nil, err
	}
	f := p.arena.frames[idx]
	f.Page = pageio.NewPage()
	f.PageID = id
	p.hash.insert(id, idx)
	p.lru.insertHead(idx)
	return p.finishFetch(idx, mode), nil
}

// getGen implements buf_page_get_gen with the fetch-mode variants of
// spec.md §4.2.
func (p *Pool) getGen(id pageio.ID, mode LatchMode, fetch FetchMode) (*Handle, error) {
	if idx, ok := p.hash.lookup(id); ok {
		f := p.arena.frames[idx]
		f.Fix()
		p.lru.touch(idx)
		if fetch == FetchResident {
			f.resident.Store(true)
		}
		return p.latch(idx, mode), nil
	}

	if fetch == FetchIfInPool {
		return nil, nil
	}

	space, ok := p.spaces.Get(id.SpaceID)
	if !ok {
		return nil, errkind.New(errkind.IOError, "unknown space", id.SpaceID)
	}
	raw, err := space.ReadPage(id.PageNo)
	if err != nil {
		return nil, errors.Wrapf(err, "read page %+v", id)
	}

	idx, err := p.allocFrame(id)
	if err != nil {
		return nil, err
	}
	f := p.arena.frames[idx]
	f.Page = raw
	f.PageID = id
	if fetch == FetchResident {
		f.resident.Store(true)
	}
	p.hash.insert(id, idx)
	p.lru.insertHead(idx)
	return p.finishFetch(idx, mode), nil
}

func (p *Pool) finishFetch(idx uint32, mode LatchMode) *Handle {
	return p.latch(idx, mode)
}

func (p *Pool) latch(idx uint32, mode LatchMode) *Handle {
	f := p.arena.frames[idx]
	switch mode {
	case LatchX:
		f.RWLock.LockX()
	case LatchS:
		f.RWLock.LockS()
	}
	return &Handle{idx: idx, frame: f, mode: mode}
}

// allocFrame gets a fresh frame for id, evicting via LRU if the free
// list is empty (spec.md §4.2).
func (p *Pool) allocFrame(id pageio.ID) (uint32, error) {
	select {
	case idx := <-p.freeList:
		return idx, nil
	default:
	}

	idx, ok := p.lru.victim()
	if !ok {
		return 0, errkind.New(errkind.OutOfMemory)
	}
	f := p.arena.frames[idx]
	if f.IsDirty() {
		if err := p.writeBack(idx); err != nil {
			return 0, err
		}
	}
	p.hash.remove(f.PageID)
	p.lru.remove(idx)
	p.flush.remove(idx)
	f.reset()
	return idx, nil
}

func (p *Pool) writeBack(idx uint32) error {
	f := p.arena.frames[idx]
	space, ok := p.spaces.Get(f.PageID.SpaceID)
	if !ok {
		return errkind.New(errkind.IOError, "unknown space on evict", f.PageID.SpaceID)
	}
	if err := space.WritePage(f.PageID.PageNo, f.Page); err != nil {
		return errors.Wrap(err, "evict write-back")
	}
	f.isDirty.Store(false)
	p.dirtyPages.Add(-1)
	p.flush.remove(idx)
	return nil
}

// MarkDirty implements buf_block_mark_dirty: sets is_dirty and, on
// the page's first dirtying since its last flush, splices it into the
// flush list ordered by recovery_lsn = startLSN (spec.md §4.2/§4.3).
func (p *Pool) MarkDirty(h *Handle, startLSN, endLSN redo.LSN) {
	f := h.frame
	wasDirty := f.isDirty.Load()
	if !wasDirty {
		f.recoveryLSN.Store(uint64(startLSN))
		f.isDirty.Store(true)
		p.dirtyPages.Add(1)
	}
	if uint64(endLSN) > f.newestModificationLSN.Load() {
		f.newestModificationLSN.Store(uint64(endLSN))
	}
	p.flush.insert(h.idx)
}

// Fix/Unfix expose the pin-without-latch refcount used when examining
// a record outside an MTR (spec.md §4.2).
func (p *Pool) Fix(h *Handle)   { h.frame.Fix() }
func (p *Pool) Unfix(h *Handle) { h.frame.Unfix() }

func (p *Pool) DirtyPageCount() int32 { return p.dirtyPages.Load() }

// FlushListOldest returns the frame with the smallest recovery_lsn,
// i.e. the checkpoint's least_recovery_point source.
func (p *Pool) FlushListOldest() (id pageio.ID, lsn redo.LSN, ok bool) {
	idx, found := p.flush.oldest()
	if !found {
		return pageio.ID{}, 0, false
	}
	f := p.arena.frames[idx]
	return f.PageID, f.RecoveryLSN(), true
}

// DrainDirty returns up to n dirty frames ordered by ascending
// recovery_lsn, for the checkpointer to group-flush (spec.md §4.8
// step 4). Each returned frame is still on the flush list; the
// checkpointer calls FinishFlush once it is durable.
func (p *Pool) DrainDirty(n int) []*Frame {
	idxs := p.flush.drain(n)
	out := make([]*Frame, len(idxs))
	for i, idx := range idxs {
		out[i] = p.arena.frames[idx]
	}
	return out
}

// FinishFlush clears dirty state and removes f from the flush list
// once its bytes are durable on the primary data file (spec.md §4.8
// step 7).
func (p *Pool) FinishFlush(f *Frame) {
	f.isDirty.Store(false)
	f.recoveryLSN.Store(0)
	p.dirtyPages.Add(-1)
	idx, ok := p.hash.lookup(f.PageID)
	if ok {
		p.flush.remove(idx)
	}
}

func (p *Pool) Spaces() *pageio.SpaceManager { return p.spaces }

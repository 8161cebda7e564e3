package buffer

import (
	"github.com/OneOfOne/xxhash"

	"github.com/holystardb/cos/internal/latch"
	"github.com/holystardb/cos/internal/pageio"
)

// hashStripes is the stripe count for the page-hash lock array, chosen
// to match spec.md §4.2's "stripe count ~4096".
const hashStripes = 4096

// pageHash is the separate-chaining lookup table of spec.md §4.2:
// fold(page_id) selects both the shard (one chain + one lock) and,
// within the shard's map, the bucket. "In pool" tests take the
// shard's latch in S mode; inserts take it in X mode.
type pageHash struct {
	shards [hashStripes]pageHashShard
}

type pageHashShard struct {
	lock  latch.RWLatch
	chain map[pageio.ID]uint32 // page id -> arena frame index
}

func newPageHash() *pageHash {
	h := &pageHash{}
	for i := range h.shards {
		h.shards[i].chain = make(map[pageio.ID]uint32)
	}
	return h
}

func fold(id pageio.ID) uint64 {
	var key [8]byte
	key[0] = byte(id.SpaceID)
	key[1] = byte(id.SpaceID >> 8)
	key[2] = byte(id.SpaceID >> 16)
	key[3] = byte(id.SpaceID >> 24)
	key[4] = byte(id.PageNo)
	key[5] = byte(id.PageNo >> 8)
	key[6] = byte(id.PageNo >> 16)
	key[7] = byte(id.PageNo >> 24)
	return xxhash.Checksum64(key[:])
}

func (h *pageHash) shardFor(id pageio.ID) *pageHashShard {
	return &h.shards[fold(id)%hashStripes]
}

func (h *pageHash) lookup(id pageio.ID) (uint32, bool) {
	s := h.shardFor(id)
	s.lock.LockS()
	defer s.lock.UnlockS()
	idx, ok := s.chain[id]
	return idx, ok
}

func (h *pageHash) insert(id pageio.ID, frameIdx uint32) {
	s := h.shardFor(id)
	s.lock.LockX()
	defer s.lock.UnlockX()
	s.chain[id] = frameIdx
}

func (h *pageHash) remove(id pageio.ID) {
	s := h.shardFor(id)
	s.lock.LockX()
	defer s.lock.UnlockX()
	delete(s.chain, id)
}

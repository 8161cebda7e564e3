package heap

import (
	"encoding/binary"
	"sync"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
)

// CleanoutQueue collects pages whose snapshot fetch found a committed
// but not-yet-published ITL (spec.md §4.7.5 step 5, supplemented from
// original_source/knl_rcr_heap.cpp's split between heap_fetch and
// heap_clean_page): rather than upgrade a shared-latch read to an
// exclusive one inline, Fetch just records the page here and a
// background or next-writer pass runs Clean under its own X-latched
// mini-transaction.
type CleanoutQueue struct {
	mu      sync.Mutex
	pending map[pageio.ID]struct{}
}

func NewCleanoutQueue() *CleanoutQueue {
	return &CleanoutQueue{pending: make(map[pageio.ID]struct{})}
}

// Push enqueues id for cleanout, deduplicating repeat fetches of the
// same hot page.
func (q *CleanoutQueue) Push(id pageio.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[id] = struct{}{}
}

// Drain removes and returns every page currently queued.
func (q *CleanoutQueue) Drain() []pageio.ID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]pageio.ID, 0, len(q.pending))
	for id := range q.pending {
		out = append(out, id)
	}
	q.pending = make(map[pageio.ID]struct{})
	return out
}

// Clean re-latches a page X and publishes the effective SCN of any
// ITL whose backing transaction has already ended, folding its FSC
// delete credit back into the page's free_size (§4.6.3/§4.7.6's
// fsc-vs-free_size split). It is heap_alloc_itl's reuse-path logic
// run proactively rather than on next allocation.
func Clean(m *mtr.Mtr, id pageio.ID, sys StatusSource) error {
	h, err := m.GetPage(id, buffer.LatchX)
	if err != nil {
		return err
	}
	body := h.Page().Body()
	hd := readHeader(body)
	var entries []byte

	for i := 0; i < MaxITLs; i++ {
		it := readItl(body, i)
		if it.IsFree() || !it.IsActive() {
			continue
		}
		status, scn, err := sys.GetStatusByITL(it.TrxSlot.RsegID(), it.TrxSlot.Slot(), it.TrxSlot.Xnum())
		if err != nil {
			return err
		}
		if status != txn.StatusEnd {
			continue
		}
		folded := it.FSC
		it.SCN = scn
		it.Flags &^= ItlIsActive
		hd.FreeSize += it.FSC
		it.FSC = 0
		writeItl(body, i, it)
		entries = append(entries, cleanITLEntryPayload(uint16(i), it, folded)...)
	}
	if len(entries) == 0 {
		return nil
	}
	writeHeader(body, hd)
	m.WriteRecord(redo.Record{Type: redo.OpHeapCleanITL, SpaceID: id.SpaceID, PageNo: id.PageNo, Body: appendHeaderSnapshot(entries, hd)})
	return nil
}

// cleanITLEntryPayload is one cleaned ITL inside MLOG_HEAP_CLEAN_ITL's
// body: the itl's post-clean state plus the fsc credit folded into the
// page's free_size, so recovery can repeat both the itl write and the
// header bookkeeping exactly.
func cleanITLEntryPayload(idx uint16, it Itl, folded uint16) []byte {
	b := make([]byte, itlPayloadSize+2)
	copy(b, itlRecordBody(idx, it))
	binary.BigEndian.PutUint16(b[itlPayloadSize:], folded)
	return b
}

func decodeCleanITLEntryPayload(b []byte) (idx uint16, it Itl, folded uint16) {
	idx, it = decodeItlRecordBody(b[:itlPayloadSize])
	folded = binary.BigEndian.Uint16(b[itlPayloadSize:])
	return
}

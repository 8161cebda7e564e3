package txn

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/redo"
)

// Trx is the in-memory transaction descriptor, spec.md §4.5.
type Trx struct {
	sys  *Sys
	rseg *Rseg

	ID     ID
	Status Status
	SCN    SCN

	InsertUndoPageNo uint32
	UpdateUndoPageNo uint32

	// UndoRecNo is the per-trx monotone counter undo_rec_no, spec.md
	// §4.6.3: rollback always picks the record with the larger
	// undo_rec_no so it can walk the chain in reverse write order.
	UndoRecNo uint64
}

// NextUndoRecNo returns the next value of the per-trx undo_rec_no
// counter, advancing it.
func (t *Trx) NextUndoRecNo() uint64 {
	t.UndoRecNo++
	return t.UndoRecNo
}

// Begin implements trx_begin(sess), spec.md §4.5: pop a free slot from
// a round-robin rseg, bump its xnum on the END→BEGIN edge, redo-log
// TRX_RSEG_SLOT_BEGIN, and mark the slot page dirty.
func (s *Sys) Begin() (*Trx, error) {
	rseg := s.nextRseg()
	id, ok := rseg.popFreeSlot()
	if !ok {
		// Fall back to every other rseg in turn; a single rseg running
		// dry is not itself fatal.
		for _, alt := range s.rsegs {
			if alt == rseg {
				continue
			}
			if id, ok = alt.popFreeSlot(); ok {
				rseg = alt
				break
			}
		}
	}
	if !ok {
		return nil, errNoFreeTrxSlot
	}

	m := mtr.Start(s.pool, s.log)
	pageID, offset, err := rseg.slotPageID(int(id.Slot()))
	if err != nil {
		m.Rollback()
		rseg.pushFreeSlot(id)
		return nil, err
	}
	h, err := m.GetResidentPage(pageID, buffer.LatchX)
	if err != nil {
		m.Rollback()
		rseg.pushFreeSlot(id)
		return nil, err
	}

	slot := Slot{Status: StatusBegin, Xnum: id.Xnum()}
	body := h.Page().Body()
	slot.Encode(body[SlotOffset(offset) : SlotOffset(offset)+SlotRecordSize])
	m.WriteRecord(redo.Record{
		Type:    redo.OpTrxRsegSlotBegin,
		SpaceID: pageID.SpaceID,
		PageNo:  pageID.PageNo,
		Body:    slotBeginBody(id),
	})
	m.Commit()

	return &Trx{sys: s, rseg: rseg, ID: id, Status: StatusBegin}, nil
}

func slotBeginBody(id ID) []byte {
	return []byte{byte(id >> 56), byte(id >> 48), byte(id >> 40), byte(id >> 32), byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
}

// Commit implements trx_commit(trx), spec.md §4.5:
//  1. inside an MTR, stamp a fresh SCN and status=END on the slot,
//     redo-logging TRX_RSEG_SLOT_END;
//  2. mtr_commit produces the commit LSN;
//  3. log_write_up_to(commit_lsn) honours flush-at-commit durability;
//  4. undo pages are returned to the rseg's caches (or left to the
//     caller to release to the FSM, out of this package's scope);
//  5. the slot returns to the rseg free list.
func (t *Trx) Commit() (SCN, error) {
	scn := t.sys.scnGen.Next()

	m := mtr.Start(t.sys.pool, t.sys.log)
	pageID, offset, err := t.rseg.slotPageID(int(t.ID.Slot()))
	if err != nil {
		m.Rollback()
		return 0, err
	}
	h, err := m.GetResidentPage(pageID, buffer.LatchX)
	if err != nil {
		m.Rollback()
		return 0, err
	}

	slot := Slot{SCN: scn, Status: StatusEnd, Xnum: t.ID.Xnum(), InsertUndoPageNo: t.InsertUndoPageNo, UpdateUndoPageNo: t.UpdateUndoPageNo}
	body := h.Page().Body()
	slot.Encode(body[SlotOffset(offset) : SlotOffset(offset)+SlotRecordSize])
	m.WriteRecord(redo.Record{
		Type:    redo.OpTrxRsegSlotEnd,
		SpaceID: pageID.SpaceID,
		PageNo:  pageID.PageNo,
		Body:    slotEndBody(t.ID, scn),
	})
	_, endLSN := m.Commit()

	if err := t.sys.log.WriteUpTo(endLSN); err != nil {
		return 0, err
	}

	t.releaseUndoPages()
	t.Status = StatusEnd
	t.SCN = scn
	t.rseg.pushFreeSlot(NewID(t.ID.RsegID(), t.ID.Slot(), t.ID.Xnum()))
	return scn, nil
}

// PrepareRollback stamps the slot END the same way Commit does but
// with the rollback's own current-time SCN, after the caller (package
// undo) has already driven the undo chain to completion, per spec.md
// §4.5 trx_rollback: "then the same slot-end/cleanup as commit but
// marking freed pages with the current SCN timestamp."
func (t *Trx) PrepareRollback() (SCN, error) {
	return t.Commit()
}

func (t *Trx) releaseUndoPages() {
	if t.InsertUndoPageNo != 0 {
		if !t.rseg.cacheInsertUndoPage(t.InsertUndoPageNo, UndoCacheCapacity) {
			// Cache full: the page is released to the tablespace FSM, a
			// concern outside this package (pageio.SpaceManager only hands
			// out never-used page numbers, see Space.AllocPage).
			_ = t.InsertUndoPageNo
		}
	}
	if t.UpdateUndoPageNo != 0 {
		t.rseg.cacheUpdateUndoPage(t.UpdateUndoPageNo, UndoCacheCapacity)
	}
}

func uint64ToBytes(v uint64) []byte {
	return []byte{byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

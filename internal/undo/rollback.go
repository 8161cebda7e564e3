package undo

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
)

// Applier receives each undo record during rollback, in reverse write
// order, and is responsible for restoring heap state from it (spec.md
// §4.6.3). It lives outside this package (implemented by package
// heap) to avoid undo depending on heap's row/directory types.
type Applier interface {
	ApplyUndo(m *mtr.Mtr, rec Record) error
}

// walkState is the cursor rollback uses to step backward through a
// chain: the page currently being read and the offset of the next
// record to process on it (0 once that page is exhausted).
type walkState struct {
	pageNo uint32
	offset uint16
}

// RollbackChain drives one of a transaction's two undo chains
// (insert or update) to completion, applying every record to applier
// in reverse write order — the largest undo_rec_no first — per
// spec.md §4.6.3. Processed pages are left for the caller's rseg
// bookkeeping to recycle or free; this function only reads and
// applies.
func RollbackChain(m *mtr.Mtr, spaceID uint32, headPageNo uint32, applier Applier) error {
	if headPageNo == 0 {
		return nil
	}
	st := walkState{pageNo: headPageNo}

	for st.pageNo != 0 {
		id := pageio.ID{SpaceID: spaceID, PageNo: st.pageNo}
		h, err := m.GetPage(id, buffer.LatchS)
		if err != nil {
			return err
		}
		body := h.Page().Body()
		hdr := readPageHeader(body)
		offset := hdr.LastOffset
		if st.offset != 0 {
			offset = st.offset
		}

		for offset != 0 {
			rec := decodeRecordAt(body, offset)
			if err := applier.ApplyUndo(m, rec); err != nil {
				return err
			}
			if rec.PrevLen == 0 {
				offset = 0
				break
			}
			offset -= rec.PrevLen
		}

		st.pageNo = hdr.FlstPrev
		st.offset = 0
	}
	return nil
}

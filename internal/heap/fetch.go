package heap

import (
	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/errkind"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/txn"
	"github.com/holystardb/cos/internal/undo"
)

// FetchResult is the outcome of a snapshot fetch, spec.md §4.7.5.
type FetchResult struct {
	Row           Row
	Found         bool
	NeedsCleanout bool // ITL is active but its backing trx already committed
}

// Fetch implements heap_fetch, spec.md §4.7.5 steps 1-6 (minus the
// XA-prepared wait path, which belongs to the session layer this core
// does not own).
func Fetch(h *buffer.Handle, rowID RowID, querySCN txn.SCN, sessionID txn.ID, sessionCID txn.SCN, sys StatusSource, m *mtr.Mtr, cleanout *CleanoutQueue) (FetchResult, error) {
	body := h.Page().Body()
	hd := readHeader(body)
	if int(rowID.Slot) >= int(hd.DirCount) {
		return FetchResult{}, nil
	}
	d := readDir(body, int(rowID.Slot))
	if d.IsFree() {
		return FetchResult{}, nil
	}
	row := DecodeRow(body, d.Offset)

	var trxStatus txn.Status
	var trxSCN txn.SCN
	var isOwSCN bool
	needsCleanout := false

	if row.ITLID == InvalidITL {
		trxStatus = txn.StatusEnd
		trxSCN = d.SCN
		isOwSCN = d.Flags&DirIsOwSCN != 0
	} else {
		it := readItl(body, int(row.ITLID))
		status, scn, err := sys.GetStatusByITL(it.TrxSlot.RsegID(), it.TrxSlot.Slot(), it.TrxSlot.Xnum())
		if err != nil {
			return FetchResult{}, err
		}
		trxStatus, trxSCN = status, scn
		isOwSCN = it.Flags&ItlIsOwSCN != 0
		if it.IsActive() && status == txn.StatusEnd {
			needsCleanout = true
			if cleanout != nil {
				cleanout.Push(h.PageID())
			}
		}
	}

	switch {
	case trxStatus == txn.StatusEnd && trxSCN <= querySCN:
		if row.IsDeleted() {
			return FetchResult{NeedsCleanout: needsCleanout}, nil
		}
		return FetchResult{Row: row, Found: true, NeedsCleanout: needsCleanout}, nil

	case trxStatus == txn.StatusEnd && isOwSCN:
		return FetchResult{}, errkind.New(errkind.SnapshotTooOld, querySCN)

	case row.ITLID != InvalidITL && readItl(body, int(row.ITLID)).TrxSlot == sessionID && d.SCN < sessionCID:
		if row.IsDeleted() {
			return FetchResult{NeedsCleanout: needsCleanout}, nil
		}
		return FetchResult{Row: row, Found: true}, nil

	default:
		return fetchPreviousVersion(m, d, querySCN)
	}
}

// fetchPreviousVersion implements the recursive previous-version walk
// of spec.md §4.6.4.
func fetchPreviousVersion(m *mtr.Mtr, d DirEntry, querySCN txn.SCN) (FetchResult, error) {
	rp := undo.RollPtr{SpaceID: d.RollSpaceID, PageNo: d.RollPageNo, Offset: d.RollOffset}
	for {
		rec, err := undo.Read(m, rp)
		if err != nil {
			return FetchResult{}, err
		}
		if rec.Type == undo.RecHeapInsert {
			return FetchResult{}, nil
		}
		if rec.Type != undo.RecHeapDelete {
			// HEAP_UPDATE/_FULL previous images are out of this walk's
			// minimal scope; treat as not found rather than misreport.
			return FetchResult{}, nil
		}
		prior := decodeDirEntryPayload(rec.Payload[10 : 10+dirEntryPayloadSize])
		if prior.SCN <= querySCN {
			return FetchResult{Row: Row{Flags: 0}, Found: true}, nil
		}
		rp = undo.RollPtr{SpaceID: prior.RollSpaceID, PageNo: prior.RollPageNo, Offset: prior.RollOffset}
		if rp.PageNo == 0 {
			return FetchResult{}, nil
		}
	}
}

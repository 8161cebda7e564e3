package undo

import (
	"encoding/binary"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/mtr"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
)

// RollPtr is the roll-pointer of spec.md §3.5/§4.6.2: a reference to
// exactly one undo record, used as the value stored in a heap
// directory entry's undo_rollptr field.
type RollPtr struct {
	SpaceID uint32
	PageNo  uint32
	Offset  uint16
}

// chainHeadPageNo returns which of the trx's two chain heads applies.
func chainHeadPageNo(trx *txn.Trx, kind PageType) uint32 {
	if kind == PageTypeInsert {
		return trx.InsertUndoPageNo
	}
	return trx.UpdateUndoPageNo
}

func setChainHeadPageNo(trx *txn.Trx, kind PageType, pageNo uint32) {
	if kind == PageTypeInsert {
		trx.InsertUndoPageNo = pageNo
	} else {
		trx.UpdateUndoPageNo = pageNo
	}
}

// allocPage implements the page-acquisition part of trx_undo_prepare,
// spec.md §4.6.1 step 2: it always allocates a fresh page from the
// undo space. The rseg's insert/update caches are not consulted, and
// rseg is not used.
func allocPage(m *mtr.Mtr, spaces *pageio.SpaceManager, rseg *txn.Rseg, undoSpaceID uint32, kind PageType) (uint32, *buffer.Handle, error) {
	space, ok := spaces.Get(undoSpaceID)
	if !ok {
		var err error
		space, err = spaces.GetOrCreate(undoSpaceID, "undo.dat")
		if err != nil {
			return 0, nil, err
		}
	}
	pageNo := space.AllocPage()
	id := pageio.ID{SpaceID: undoSpaceID, PageNo: pageNo}
	h, err := m.CreatePage(id, buffer.LatchX)
	if err != nil {
		return 0, nil, err
	}
	InitPage(h.Page(), undoSpaceID, pageNo, kind)
	m.WriteRecord(redo.Record{Type: redo.OpUndoPageInit, SpaceID: undoSpaceID, PageNo: pageNo, Body: []byte{byte(kind)}})
	return pageNo, h, nil
}

// Write implements trx_undo_prepare + trx_undo_write_log_rec in one
// call, spec.md §4.6.1-4.6.2: pick or extend the trx's chain for
// kind, append recType/payload at page.free, and return the roll
// pointer a caller stores as the row directory's undo_rollptr.
func Write(m *mtr.Mtr, spaces *pageio.SpaceManager, rseg *txn.Rseg, trx *txn.Trx, undoSpaceID uint32, kind PageType, recType RecType, payload []byte) (RollPtr, error) {
	rec := Record{CID: 0, Type: recType, Payload: payload}
	// CID here plays the role of the transaction's sequence number for
	// this record (undo_rec_no), spec.md §4.6.3.
	rec.CID = uint32(trx.NextUndoRecNo())

	pageNo := chainHeadPageNo(trx, kind)
	var h *buffer.Handle
	var err error
	needNewPage := pageNo == 0

	if !needNewPage {
		h, err = m.GetPage(pageio.ID{SpaceID: undoSpaceID, PageNo: pageNo}, buffer.LatchX)
		if err != nil {
			return RollPtr{}, err
		}
		hdr := readPageHeader(h.Page().Body())
		needed := recFixedSize + len(payload)
		if hdr.Free == hdr.Start {
			needed += logHeaderSize
		}
		if FreeSpace(h.Page().Body()) < needed {
			needNewPage = true
		}
	}

	if needNewPage {
		prevPageNo := pageNo
		var newPageNo uint32
		newPageNo, h, err = allocPage(m, spaces, rseg, undoSpaceID, kind)
		if err != nil {
			return RollPtr{}, err
		}
		if prevPageNo != 0 {
			hdr := readPageHeader(h.Page().Body())
			hdr.FlstPrev = prevPageNo
			writePageHeader(h.Page().Body(), hdr)
		}
		setChainHeadPageNo(trx, kind, newPageNo)
		pageNo = newPageNo
	}

	body := h.Page().Body()
	hdr := readPageHeader(body)
	offset := hdr.Free

	var logHdr LogHeader
	wroteLogHeader := hdr.Free == hdr.Start
	if wroteLogHeader {
		logHdr = LogHeader{TrxID: trx.ID, TrxNo: trx.UndoRecNo, LogStart: offset}
		writeLogHeader(body, offset, logHdr)
		offset += logHeaderSize
	} else if hdr.LastOffset != 0 {
		prev := decodeRecordAt(body, hdr.LastOffset)
		rec.PrevLen = prev.totalLen()
	}

	recBytes := rec.encode()
	copy(body[offset:], recBytes)
	recOffset := offset
	hdr.Free = offset + uint16(len(recBytes))
	hdr.LastOffset = recOffset
	writePageHeader(body, hdr)

	m.WriteRecord(redo.Record{
		Type:    redo.OpUndoLogInsert,
		SpaceID: undoSpaceID,
		PageNo:  pageNo,
		Body:    undoLogInsertBody(wroteLogHeader, logHdr, recBytes),
	})

	return RollPtr{SpaceID: undoSpaceID, PageNo: pageNo, Offset: recOffset}, nil
}

// Read fetches the record a roll pointer addresses, S-latching the
// page; used both by rollback traversal and by previous-version
// reconstruction (spec.md §4.6.4 step 1).
func Read(m *mtr.Mtr, rp RollPtr) (Record, error) {
	h, err := m.GetPage(pageio.ID{SpaceID: rp.SpaceID, PageNo: rp.PageNo}, buffer.LatchS)
	if err != nil {
		return Record{}, err
	}
	return decodeRecordAt(h.Page().Body(), rp.Offset), nil
}

// undoLogInsertBody is MLOG_UNDO_LOG_INSERT's body: a flag for whether
// this append was the first on its page (and so also wrote the
// page's log header), the log header fields when it did, and the
// record bytes themselves. Recovery needs the log-header fields
// because whether hdr.Free==hdr.Start held at apply time cannot be
// re-derived from the record's own bytes alone.
func undoLogInsertBody(wroteLogHeader bool, h LogHeader, recBytes []byte) []byte {
	b := make([]byte, 1+18+len(recBytes))
	if wroteLogHeader {
		b[0] = 1
		binary.BigEndian.PutUint64(b[1:9], uint64(h.TrxID))
		binary.BigEndian.PutUint64(b[9:17], h.TrxNo)
		binary.BigEndian.PutUint16(b[17:19], h.LogStart)
	}
	copy(b[19:], recBytes)
	return b
}

// ApplyLogInsertBody replays one MLOG_UNDO_LOG_INSERT record against
// an already fetched undo page body during recovery: writes the log
// header if this append was the page's first, then appends the
// record bytes at the page's current free offset and advances the
// header exactly as Write did originally.
func ApplyLogInsertBody(body []byte, payload []byte) {
	wroteLogHeader := payload[0] == 1
	trxID := txn.ID(binary.BigEndian.Uint64(payload[1:9]))
	trxNo := binary.BigEndian.Uint64(payload[9:17])
	logStart := binary.BigEndian.Uint16(payload[17:19])
	recBytes := payload[19:]

	hdr := readPageHeader(body)
	offset := hdr.Free
	if wroteLogHeader {
		writeLogHeader(body, offset, LogHeader{TrxID: trxID, TrxNo: trxNo, LogStart: logStart})
		offset += logHeaderSize
	}
	copy(body[offset:], recBytes)
	hdr.Free = offset + uint16(len(recBytes))
	hdr.LastOffset = offset
	writePageHeader(body, hdr)
}

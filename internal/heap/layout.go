// Package heap implements the page-based row store of spec.md §3.2,
// §3.3 and §4.7: row directories and ITLs living inside a single
// UNIV_PAGE_SIZE page, tuple insert/delete/update under MVCC, and
// snapshot fetch driven by ITL/undo visibility rules.
package heap

import (
	"encoding/binary"

	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/txn"
)

const (
	// HeaderSize is the fixed heap-header footprint right after the
	// common file header, spec.md §3.2 item 2.
	HeaderSize = 30

	// DirEntrySize is one row-directory entry's on-page width. Spec.md
	// §3.2 names 16 bytes for (scn, undo_rollptr, offset, flags); this
	// implementation's roll-pointer additionally carries a page number
	// wide enough to address a real tablespace, so the entry is rounded
	// up to 24 bytes rather than truncating the roll pointer.
	DirEntrySize = 24

	// ItlEntrySize matches spec.md §3.2 item 6 exactly: 24 bytes.
	ItlEntrySize = 24

	// MaxITLs bounds the reserved ITL band at a fixed size so the
	// directory/ITL boundary arithmetic doesn't need to move the ITL
	// region as it grows; exceeding it surfaces errkind.AllocITL exactly
	// as spec.md §7's ALLOC_ITL entry describes.
	MaxITLs = 32

	// InvalidITL / InvalidDir mark "no ITL" / "no directory slot".
	InvalidITL = 0xFFFF
	InvalidDir = 0xFFFF
)

// Header is the in-memory image of spec.md §3.2's heap header.
type Header struct {
	LSN          uint64
	SCN          txn.SCN
	Lower        uint16
	Upper        uint16
	FreeSize     uint16
	FirstFreeDir uint16
	DirCount     uint16
	RowCount     uint16
	ItlCount     uint16
}

func readHeader(body []byte) Header {
	b := body[:HeaderSize]
	return Header{
		LSN:          binary.BigEndian.Uint64(b[0:8]),
		SCN:          txn.SCN(binary.BigEndian.Uint64(b[8:16])),
		Lower:        binary.BigEndian.Uint16(b[16:18]),
		Upper:        binary.BigEndian.Uint16(b[18:20]),
		FreeSize:     binary.BigEndian.Uint16(b[20:22]),
		FirstFreeDir: binary.BigEndian.Uint16(b[22:24]),
		DirCount:     binary.BigEndian.Uint16(b[24:26]),
		RowCount:     binary.BigEndian.Uint16(b[26:28]),
		ItlCount:     binary.BigEndian.Uint16(b[28:30]),
	}
}

func writeHeader(body []byte, h Header) {
	b := body[:HeaderSize]
	binary.BigEndian.PutUint64(b[0:8], h.LSN)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.SCN))
	binary.BigEndian.PutUint16(b[16:18], h.Lower)
	binary.BigEndian.PutUint16(b[18:20], h.Upper)
	binary.BigEndian.PutUint16(b[20:22], h.FreeSize)
	binary.BigEndian.PutUint16(b[22:24], h.FirstFreeDir)
	binary.BigEndian.PutUint16(b[24:26], h.DirCount)
	binary.BigEndian.PutUint16(b[26:28], h.RowCount)
	binary.BigEndian.PutUint16(b[28:30], h.ItlCount)
}

// usableSize is the heap-managed region of the page body (the common
// file header/trailer already excluded by pageio.Page.Body()).
func usableSize() int { return pageio.BodySize - HeaderSize }

// itlRegionStart is the fixed start of the ITL band, spec.md §3.2 item
// 6 ("ITL array beyond the directory"): directory entries are
// addressed backward from it by slot index, so a slot's address never
// moves as DirCount grows.
func itlRegionStart() int { return usableSize() - MaxITLs*ItlEntrySize }

func dirSlotOffset(i int) int { return itlRegionStart() - (i+1)*DirEntrySize }

func itlSlotOffset(i int) int { return itlRegionStart() + i*ItlEntrySize }

// InitPage formats a freshly created page as an empty heap page.
func InitPage(p *pageio.Page, spaceID, pageNo uint32) {
	p.WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeHeap, SpaceID: spaceID, PageNo: pageNo})
	body := p.Body()
	h := Header{Lower: HeaderSize, Upper: uint16(itlRegionStart()), FreeSize: uint16(itlRegionStart() - HeaderSize)}
	writeHeader(body, h)
	for i := 0; i < MaxITLs; i++ {
		writeItl(body, i, Itl{Flags: ItlIsFree})
	}
}

// DirFlags bits, spec.md §3.2 item 5.
const (
	DirIsFree uint8 = 1 << iota
	DirIsOwSCN
	DirIsLobPart
)

// DirEntry is one row-directory entry.
type DirEntry struct {
	SCN         txn.SCN
	RollSpaceID uint32 // undo space holding the row's prior-version record
	RollPageNo  uint32
	RollOffset  uint16
	Offset      uint16 // row's byte offset within the page body when in use; free_next_dir when free
	Flags       uint8
}

func (d DirEntry) IsFree() bool { return d.Flags&DirIsFree != 0 }

func readDir(body []byte, i int) DirEntry {
	off := dirSlotOffset(i)
	b := body[off : off+DirEntrySize]
	return DirEntry{
		SCN:         txn.SCN(binary.BigEndian.Uint64(b[0:8])),
		RollSpaceID: binary.BigEndian.Uint32(b[8:12]),
		RollPageNo:  binary.BigEndian.Uint32(b[12:16]),
		RollOffset:  binary.BigEndian.Uint16(b[16:18]),
		Offset:      binary.BigEndian.Uint16(b[18:20]),
		Flags:       b[20],
	}
}

func writeDir(body []byte, i int, d DirEntry) {
	off := dirSlotOffset(i)
	b := body[off : off+DirEntrySize]
	binary.BigEndian.PutUint64(b[0:8], uint64(d.SCN))
	binary.BigEndian.PutUint32(b[8:12], d.RollSpaceID)
	binary.BigEndian.PutUint32(b[12:16], d.RollPageNo)
	binary.BigEndian.PutUint16(b[16:18], d.RollOffset)
	binary.BigEndian.PutUint16(b[18:20], d.Offset)
	b[20] = d.Flags
}

// appendHeaderSnapshot appends a verbatim copy of hd to b. Every
// mutating heap redo record carries one as its trailing fixed-size
// field so recovery can restore Lower/Upper/FreeSize/DirCount/
// RowCount/ItlCount/FirstFreeDir exactly as they stood right after
// the logged mutation, rather than re-derive aggregate page-header
// bookkeeping from row/directory bytes alone.
func appendHeaderSnapshot(b []byte, hd Header) []byte {
	snap := make([]byte, HeaderSize)
	writeHeader(snap, hd)
	return append(b, snap...)
}

// splitHeaderSnapshot peels the trailing header snapshot off a redo
// record body, returning the op-specific payload that precedes it.
func splitHeaderSnapshot(b []byte) (payload []byte, hd Header) {
	cut := len(b) - HeaderSize
	return b[:cut], readHeader(b[cut:])
}

func dirFlagsOffset(i int) int { return dirSlotOffset(i) + 20 }

func readDirFlags(body []byte, i int) uint8     { return body[dirFlagsOffset(i)] }
func writeDirFlags(body []byte, i int, f uint8) { body[dirFlagsOffset(i)] = f }

// ITL flags, spec.md §3.2 item 6.
const (
	ItlIsActive uint8 = 1 << iota
	ItlIsOwSCN
	ItlIsCopied
	ItlIsFree
)

// Itl is one in-page transaction slot entry.
type Itl struct {
	SCN      txn.SCN
	TrxSlot  txn.ID
	FSC      uint16
	Flags    uint8
}

func (it Itl) IsFree() bool   { return it.Flags&ItlIsFree != 0 }
func (it Itl) IsActive() bool { return it.Flags&ItlIsActive != 0 }

func readItl(body []byte, i int) Itl {
	off := itlSlotOffset(i)
	b := body[off : off+ItlEntrySize]
	return Itl{
		SCN:     txn.SCN(binary.BigEndian.Uint64(b[0:8])),
		TrxSlot: txn.ID(binary.BigEndian.Uint64(b[8:16])),
		FSC:     binary.BigEndian.Uint16(b[16:18]),
		Flags:   b[18],
	}
}

func writeItl(body []byte, i int, it Itl) {
	off := itlSlotOffset(i)
	b := body[off : off+ItlEntrySize]
	binary.BigEndian.PutUint64(b[0:8], uint64(it.SCN))
	binary.BigEndian.PutUint64(b[8:16], uint64(it.TrxSlot))
	binary.BigEndian.PutUint16(b[16:18], it.FSC)
	b[18] = it.Flags
}

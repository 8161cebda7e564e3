// Package undo implements the per-transaction undo log of spec.md
// §3.5 and §4.6: undo page/segment/log headers, record append, and
// the chain traversal used both by rollback and by previous-version
// reconstruction for snapshot reads.
package undo

import (
	"encoding/binary"

	"github.com/holystardb/cos/internal/pageio"
)

// PageType distinguishes an undo page's chain, spec.md §3.5.
type PageType uint8

const (
	PageTypeInsert PageType = iota + 1
	PageTypeUpdate
)

// pageHeaderSize is type(1) + start(2) + free(2) + flst_prev(4) +
// flst_next(4) + last_offset(2), spec.md §3.5's undo page header plus
// the node-list links and last-record pointer needed to walk a chain
// in reverse write order without a separate index structure.
const pageHeaderSize = 15

// PageHeader is the in-memory image of an undo page's header.
type PageHeader struct {
	Type       PageType
	Start      uint16 // offset of the first record on the page
	Free       uint16 // offset where the next record will be appended
	FlstPrev   uint32 // previous page in the chain (0 = none)
	FlstNext   uint32
	LastOffset uint16 // start offset of the most recently appended record (0 = none yet)
}

func readPageHeader(body []byte) PageHeader {
	b := body[:pageHeaderSize]
	return PageHeader{
		Type:       PageType(b[0]),
		Start:      binary.BigEndian.Uint16(b[1:3]),
		Free:       binary.BigEndian.Uint16(b[3:5]),
		FlstPrev:   binary.BigEndian.Uint32(b[5:9]),
		FlstNext:   binary.BigEndian.Uint32(b[9:13]),
		LastOffset: binary.BigEndian.Uint16(b[13:15]),
	}
}

func writePageHeader(body []byte, h PageHeader) {
	b := body[:pageHeaderSize]
	b[0] = byte(h.Type)
	binary.BigEndian.PutUint16(b[1:3], h.Start)
	binary.BigEndian.PutUint16(b[3:5], h.Free)
	binary.BigEndian.PutUint32(b[5:9], h.FlstPrev)
	binary.BigEndian.PutUint32(b[9:13], h.FlstNext)
	binary.BigEndian.PutUint16(b[13:15], h.LastOffset)
}

// InitPage formats a freshly allocated page as the head of a new undo
// chain (spec.md §4.6.1 step 2).
func InitPage(p *pageio.Page, spaceID, pageNo uint32, typ PageType) {
	p.WriteHeader(pageio.FileHeader{PageType: pageio.PageTypeUndoLog, SpaceID: spaceID, PageNo: pageNo})
	writePageHeader(p.Body(), PageHeader{Type: typ, Start: pageHeaderSize, Free: pageHeaderSize})
}

// FreeSpace is the number of bytes still available for record append.
func FreeSpace(body []byte) int {
	h := readPageHeader(body)
	return len(body) - int(h.Free)
}

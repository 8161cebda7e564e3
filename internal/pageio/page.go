// Package pageio implements the on-disk page envelope shared by every
// subsystem: the 38-byte file header and 8-byte trailer of spec.md
// §6.2, plus raw page-file read/write. Subsystem-specific interiors
// (heap header, undo header, trx-slot layout) live in their own
// packages and operate on the bytes between header and trailer.
package pageio

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/holystardb/cos/internal/errkind"
)

const (
	// PageSize is UNIV_PAGE_SIZE, spec.md §3.2.
	PageSize = 16 * 1024

	FileHeaderSize  = 38
	FileTrailerSize = 8
	BodySize        = PageSize - FileHeaderSize - FileTrailerSize
)

// Page types used by the core, spec.md §6.2.
type PageType uint16

const (
	PageTypeHeap PageType = iota + 1
	PageTypeTrxSys
	PageTypeTrxSlot
	PageTypeUndoLog
	PageTypeFspHdr
	PageTypeXdes
	PageTypeFsm
)

// ID identifies a page by (space, page number), spec.md §3.1.
type ID struct {
	SpaceID uint32
	PageNo  uint32
}

// Fold packs an ID into one 64-bit key (space id in the high half,
// page number in the low half). The buffer pool's page hash does not
// call it; it hashes its own key with xxhash.
func (id ID) Fold() uint64 {
	return uint64(id.SpaceID)<<32 | uint64(id.PageNo)
}

// FileHeader is the 38-byte prefix common to every page, spec.md §6.2.
type FileHeader struct {
	PageType PageType
	SpaceID  uint32
	PageNo   uint32
	PageLSN  uint64
	Checksum uint32
	PrevPage uint32 // sibling links within a segment; 0 if none
	NextPage uint32
	FlushLSN uint64 // only meaningful on a space's page 0
}

// FileTrailer is the 8-byte suffix: a checksum mirror and the low 4
// bytes of PageLSN, used by recovery as a cheap torn-write detector
// (spec.md §6.2, §4.8 invariant).
type FileTrailer struct {
	ChecksumMirror uint32
	PageLSNLow     uint32
}

// Page is a full UNIV_PAGE_SIZE buffer: header, body, trailer, always
// sliced from one contiguous []byte so buffer.Frame can hand it to
// I/O verbatim.
type Page struct {
	Raw []byte // len(Raw) == PageSize
}

// NewPage allocates a zeroed page.
func NewPage() *Page {
	return &Page{Raw: make([]byte, PageSize)}
}

func (p *Page) Body() []byte {
	return p.Raw[FileHeaderSize : PageSize-FileTrailerSize]
}

func (p *Page) ReadHeader() FileHeader {
	b := p.Raw[:FileHeaderSize]
	return FileHeader{
		PageType: PageType(binary.BigEndian.Uint16(b[0:2])),
		SpaceID:  binary.BigEndian.Uint32(b[2:6]),
		PageNo:   binary.BigEndian.Uint32(b[6:10]),
		PageLSN:  binary.BigEndian.Uint64(b[10:18]),
		Checksum: binary.BigEndian.Uint32(b[18:22]),
		PrevPage: binary.BigEndian.Uint32(b[22:26]),
		NextPage: binary.BigEndian.Uint32(b[26:30]),
		FlushLSN: binary.BigEndian.Uint64(b[30:38]),
	}
}

func (p *Page) WriteHeader(h FileHeader) {
	b := p.Raw[:FileHeaderSize]
	binary.BigEndian.PutUint16(b[0:2], uint16(h.PageType))
	binary.BigEndian.PutUint32(b[2:6], h.SpaceID)
	binary.BigEndian.PutUint32(b[6:10], h.PageNo)
	binary.BigEndian.PutUint64(b[10:18], h.PageLSN)
	binary.BigEndian.PutUint32(b[18:22], h.Checksum)
	binary.BigEndian.PutUint32(b[22:26], h.PrevPage)
	binary.BigEndian.PutUint32(b[26:30], h.NextPage)
	binary.BigEndian.PutUint64(b[30:38], h.FlushLSN)
}

func (p *Page) ReadTrailer() FileTrailer {
	b := p.Raw[PageSize-FileTrailerSize:]
	return FileTrailer{
		ChecksumMirror: binary.BigEndian.Uint32(b[0:4]),
		PageLSNLow:     binary.BigEndian.Uint32(b[4:8]),
	}
}

func (p *Page) WriteTrailer(t FileTrailer) {
	b := p.Raw[PageSize-FileTrailerSize:]
	binary.BigEndian.PutUint32(b[0:4], t.ChecksumMirror)
	binary.BigEndian.PutUint32(b[4:8], t.PageLSNLow)
}

// Checksum computes a page checksum over header+body (excluding the
// checksum field and the trailer) with 32-bit FNV-1a, a fast,
// adequate torn-write detector for this
// core — full CRC is a tuning knob left to the production allocator,
// not a correctness requirement spec.md asks for.
func Checksum(raw []byte) uint32 {
	var h uint32 = 2166136261 // FNV-1a offset basis
	for i, b := range raw {
		if i >= 18 && i < 22 {
			continue // skip the checksum field itself
		}
		if i >= PageSize-FileTrailerSize {
			continue // skip the trailer
		}
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// Finalize stamps checksum + trailer mirror consistently before a
// page is written out, and is the single place that defines "this
// page is internally consistent" for TornWriteDetected to check
// against.
func (p *Page) Finalize(lsn uint64) {
	h := p.ReadHeader()
	h.PageLSN = lsn
	p.WriteHeader(h)
	sum := Checksum(p.Raw)
	h.Checksum = sum
	p.WriteHeader(h)
	p.WriteTrailer(FileTrailer{ChecksumMirror: sum, PageLSNLow: uint32(lsn)})
}

// TornWriteDetected reports whether a page's header/trailer checksum
// mirrors disagree, or if its body no longer hashes to the stamped
// checksum — the basic protection spec.md §6.2 and §4.8 describe.
func TornWriteDetected(raw []byte) bool {
	if len(raw) != PageSize {
		return true
	}
	p := &Page{Raw: raw}
	h := p.ReadHeader()
	tr := p.ReadTrailer()
	if h.Checksum != tr.ChecksumMirror {
		return true
	}
	if uint32(h.PageLSN) != tr.PageLSNLow {
		return true
	}
	return Checksum(raw) != h.Checksum
}

// ReadErr wraps a low-level page I/O failure into errkind.IOError,
// matching the teacher's pkg/errors usage at the storage boundary
// (innodb_store/store/btree.go).
func ReadErr(op string, id ID, cause error) error {
	msg := errkind.New(errkind.IOError, op).Error()
	return errors.Wrap(cause, msg)
}

package pageio

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"
)

// ControlFile encodes the engine-identity record of spec.md §6.1.
// Three redundant copies are kept on disk; OpenControlFiles picks the
// copy with the largest VerNum.
type ControlFile struct {
	Magic        uint32
	Version      uint32
	VerNum       uint64
	DBName       string
	CharsetName  string
	SystemSpace  string // path to the system (space 0) data file
	SysTransSpace string // transaction-slot space data file
	DoubleWrite  string // double-write staging file
	UndoSpaces   []string
	UserSpaces   []string
	RedoLogFiles []string

	// RsegSlotPages records, per rollback segment, the page numbers of
	// its residency-pinned transaction-slot pages: the layout
	// trx_sys_create picked on first format, needed verbatim on every
	// later open so the in-memory rseg array lines up with what is
	// already on disk instead of reformatting it.
	RsegSlotPages [][]uint32
}

const controlFileMagic uint32 = 0x434f5331 // "COS1"

// Save writes cf, with a trailing CRC32, to the single file at path.
// VerNum is written as given; Save does not change it. LoadBest then
// picks the valid copy with the largest VerNum among the paths it is
// given.
func Save(path string, cf ControlFile) error {
	body := marshalControlFile(cf)
	sum := crc32.ChecksumIEEE(body)
	out := make([]byte, 0, len(body)+4)
	out = append(out, body...)
	out = binary.BigEndian.AppendUint32(out, sum)
	return errors.Wrapf(os.WriteFile(path, out, 0644), "write control file %s", path)
}

// Load reads and validates a single control-file copy, returning
// ok=false (not an error) if its checksum doesn't match — a missing
// or torn copy is expected during normal operation, not fatal, since
// two other copies exist.
func Load(path string) (cf ControlFile, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ControlFile{}, false, nil
		}
		return ControlFile{}, false, errors.Wrapf(err, "read control file %s", path)
	}
	if len(data) < 4 {
		return ControlFile{}, false, nil
	}
	body, sum := data[:len(data)-4], binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return ControlFile{}, false, nil
	}
	cf, err = unmarshalControlFile(body)
	if err != nil {
		return ControlFile{}, false, nil
	}
	return cf, true, nil
}

// LoadBest loads every path in paths and returns the valid copy with
// the highest VerNum.
func LoadBest(paths []string) (ControlFile, bool, error) {
	var best ControlFile
	found := false
	for _, p := range paths {
		cf, ok, err := Load(p)
		if err != nil {
			return ControlFile{}, false, err
		}
		if ok && (!found || cf.VerNum > best.VerNum) {
			best = cf
			found = true
		}
	}
	return best, found, nil
}

func marshalControlFile(cf ControlFile) []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, controlFileMagic)
	buf = binary.BigEndian.AppendUint32(buf, cf.Version)
	buf = binary.BigEndian.AppendUint64(buf, cf.VerNum)
	buf = appendString(buf, cf.DBName)
	buf = appendString(buf, cf.CharsetName)
	buf = appendString(buf, cf.SystemSpace)
	buf = appendString(buf, cf.SysTransSpace)
	buf = appendString(buf, cf.DoubleWrite)
	buf = appendStringSlice(buf, cf.UndoSpaces)
	buf = appendStringSlice(buf, cf.UserSpaces)
	buf = appendStringSlice(buf, cf.RedoLogFiles)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cf.RsegSlotPages)))
	for _, pages := range cf.RsegSlotPages {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(pages)))
		for _, p := range pages {
			buf = binary.BigEndian.AppendUint32(buf, p)
		}
	}
	return buf
}

func unmarshalControlFile(b []byte) (ControlFile, error) {
	var cf ControlFile
	r := &reader{b: b}
	magic := r.u32()
	if magic != controlFileMagic {
		return cf, errors.New("bad control file magic")
	}
	cf.Version = r.u32()
	cf.VerNum = r.u64()
	cf.DBName = r.str()
	cf.CharsetName = r.str()
	cf.SystemSpace = r.str()
	cf.SysTransSpace = r.str()
	cf.DoubleWrite = r.str()
	cf.UndoSpaces = r.strSlice()
	cf.UserSpaces = r.strSlice()
	cf.RedoLogFiles = r.strSlice()
	nRsegs := r.u32()
	cf.RsegSlotPages = make([][]uint32, 0, nRsegs)
	for i := uint32(0); i < nRsegs; i++ {
		n := r.u32()
		pages := make([]uint32, 0, n)
		for j := uint32(0); j < n; j++ {
			pages = append(pages, r.u32())
		}
		cf.RsegSlotPages = append(cf.RsegSlotPages, pages)
	}
	if r.err != nil {
		return ControlFile{}, r.err
	}
	return cf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendStringSlice(buf []byte, ss []string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ss)))
	for _, s := range ss {
		buf = appendString(buf, s)
	}
	return buf
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil || r.off+n > len(r.b) {
		if r.err == nil {
			r.err = errors.New("control file truncated")
		}
		return false
	}
	return true
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) str() string {
	n := r.u32()
	if !r.need(int(n)) {
		return ""
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *reader) strSlice() []string {
	n := r.u32()
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, r.str())
	}
	return out
}

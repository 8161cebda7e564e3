// Package checkpoint implements dirty-page flush and the double-write
// buffer of spec.md §4.8: periodically drain the buffer pool's flush
// list, stage the batch through a compressed double-write file so a
// torn write during the real flush can be repaired from it, then write
// each page to its owning tablespace and advance the checkpoint LSN.
package checkpoint

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/holystardb/cos/internal/pageio"
)

// doubleWriteFileName is fixed, matching a single shared staging area
// per data directory (spec.md §4.8: "one double-write buffer per
// instance, not per tablespace").
const doubleWriteFileName = "dblwr.dat"

// stageEntryHeaderSize is space_id(4) + page_no(4) + compressed_len(4).
const stageEntryHeaderSize = 12

// DoubleWriteBuffer stages a batch of pages durably before they are
// written to their real tablespace locations, so a crash mid-flush can
// be repaired by re-copying the staged (and still-intact) copy instead
// of leaving a torn primary page (spec.md §4.8 step 5-6).
type DoubleWriteBuffer struct {
	mu   sync.Mutex
	file *os.File
}

// OpenDoubleWriteBuffer opens (or creates) the shared staging file
// under dataDir without discarding its content — a staged batch left
// behind by a crash must survive until Recover has had a chance to
// read it.
func OpenDoubleWriteBuffer(dataDir string) (*DoubleWriteBuffer, error) {
	path := filepath.Join(dataDir, doubleWriteFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open double-write buffer at %s", path)
	}
	return &DoubleWriteBuffer{file: f}, nil
}

// Recover replays any batch left in the staging file by a crash that
// happened between Stage and Clear: every staged page whose primary
// copy now looks torn is restored from its staged (compressed) copy
// (spec.md §4.8's crash-repair invariant). Called once at startup,
// before normal checkpointing begins.
func (d *DoubleWriteBuffer) Recover(spaces *pageio.SpaceManager) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.Seek(0, 0); err != nil {
		return errors.Wrap(err, "seek double-write buffer")
	}
	raw, err := io.ReadAll(d.file)
	if err != nil {
		return errors.Wrap(err, "read double-write buffer")
	}
	if len(raw) == 0 {
		return nil
	}

	off := 0
	for off+stageEntryHeaderSize <= len(raw) {
		spaceID := binary.BigEndian.Uint32(raw[off : off+4])
		pageNo := binary.BigEndian.Uint32(raw[off+4 : off+8])
		compLen := binary.BigEndian.Uint32(raw[off+8 : off+12])
		off += stageEntryHeaderSize
		if off+int(compLen) > len(raw) {
			break // truncated tail entry; the batch never finished staging
		}
		compressed := raw[off : off+int(compLen)]
		off += int(compLen)

		space, ok := spaces.Get(spaceID)
		if !ok {
			continue
		}
		current, err := space.ReadPage(pageNo)
		if err != nil || !pageio.TornWriteDetected(current.Raw) {
			continue
		}
		restored, err := snappy.Decode(nil, compressed)
		if err != nil {
			return errors.Wrapf(err, "decode staged page %d/%d", spaceID, pageNo)
		}
		if err := space.WritePage(pageNo, &pageio.Page{Raw: restored}); err != nil {
			return errors.Wrapf(err, "restore torn page %d/%d", spaceID, pageNo)
		}
	}
	return d.clearLocked()
}

// Stage writes pages into the double-write file as one contiguous,
// fsync'd batch (spec.md §4.8 step 5), compressing each page with
// snappy before it hits disk — the staging area is write-once-per-
// batch and read back only on crash recovery, so the compression cost
// is paid once per checkpoint rather than on every page write.
func (d *DoubleWriteBuffer) Stage(ids []pageio.ID, pages []*pageio.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate double-write buffer")
	}
	if _, err := d.file.Seek(0, 0); err != nil {
		return errors.Wrap(err, "seek double-write buffer")
	}

	for i, p := range pages {
		compressed := snappy.Encode(nil, p.Raw)
		var hdr [stageEntryHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[0:4], ids[i].SpaceID)
		binary.BigEndian.PutUint32(hdr[4:8], ids[i].PageNo)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(compressed)))
		if _, err := d.file.Write(hdr[:]); err != nil {
			return errors.Wrap(err, "write double-write batch header")
		}
		if _, err := d.file.Write(compressed); err != nil {
			return errors.Wrap(err, "write double-write batch body")
		}
	}
	return errors.Wrap(d.file.Sync(), "fsync double-write buffer")
}

// Clear truncates the staging file once the real flush is durable,
// marking the batch as no longer needed for crash repair.
func (d *DoubleWriteBuffer) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearLocked()
}

func (d *DoubleWriteBuffer) clearLocked() error {
	if err := d.file.Truncate(0); err != nil {
		return errors.Wrap(err, "clear double-write buffer")
	}
	_, err := d.file.Seek(0, 0)
	return errors.Wrap(err, "seek double-write buffer")
}

func (d *DoubleWriteBuffer) Close() error {
	return d.file.Close()
}

package redo

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/holystardb/cos/internal/latch"
)

// Log is the redo-log subsystem of spec.md §4.4: an append-only
// logical stream, backed by a circular multi-file Group, with the
// three monotone LSNs the spec names and a group-commit flush path.
type Log struct {
	group *Group

	// appendMu is "the log-sys mutex" of spec.md §4.3's mtr_commit:
	// held briefly while copying one MTR's bytes into the pending
	// buffer.
	appendMu latch.Mutex
	pending  []byte // bytes appended by MTRs, not yet packaged into blocks

	writedToBufferLSN atomic.Uint64
	writedToFileLSN    atomic.Uint64
	flushedToDiskLSN   atomic.Uint64

	flushCond *sync.Cond
	flushMu   sync.Mutex
	flushing  bool

	nextBlockHdrNo atomic.Uint64
	checkpointNo   atomic.Uint64
}

// New creates a Log over an already-open Group. startLSN is the LSN
// of the first byte that will be appended (0 for a brand new
// database; when reopening, recovery passes the byte length of the
// valid log stream it read).
func New(group *Group, startLSN LSN) *Log {
	l := &Log{group: group}
	l.writedToBufferLSN.Store(uint64(startLSN))
	l.writedToFileLSN.Store(uint64(startLSN))
	l.flushedToDiskLSN.Store(uint64(startLSN))
	l.flushCond = sync.NewCond(&l.flushMu)
	return l
}

// Append copies an MTR's contiguous record bytes into the log buffer
// and returns the LSN range they occupy: [startLSN, endLSN). This is
// the "copies the redo bytes to the shared log buffer under a single
// lock" step of spec.md's steady-state control flow; atomicity of one
// MTR's group comes from holding appendMu for the whole copy.
func (l *Log) Append(mtrBytes []byte) (startLSN, endLSN LSN) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	start := l.writedToBufferLSN.Load()
	l.pending = append(l.pending, mtrBytes...)
	end := start + uint64(len(mtrBytes))
	l.writedToBufferLSN.Store(end)
	return LSN(start), LSN(end)
}

// BufferLSN returns writed_to_buffer_lsn.
func (l *Log) BufferLSN() LSN { return LSN(l.writedToBufferLSN.Load()) }

// FileLSN returns writed_to_file_lsn.
func (l *Log) FileLSN() LSN { return LSN(l.writedToFileLSN.Load()) }

// FlushedLSN returns flushed_to_disk_lsn.
func (l *Log) FlushedLSN() LSN { return LSN(l.flushedToDiskLSN.Load()) }

// WriteUpTo blocks until flushed_to_disk_lsn >= target, implementing
// spec.md §4.4's log_write_up_to and its group-commit rule: a caller
// that finds a flush already covers (or is underway and will cover)
// the target just waits on the completion event instead of starting
// a second flush.
func (l *Log) WriteUpTo(target LSN) error {
	if l.FlushedLSN() >= target {
		return nil
	}

	l.flushMu.Lock()
	for {
		if l.flushedToDiskLSN.Load() >= uint64(target) {
			l.flushMu.Unlock()
			return nil
		}
		if l.flushing {
			// Another goroutine is already driving a flush; wait for it
			// to finish and re-check the predicate (spurious wakeups are
			// fine, Design Notes §9).
			l.flushCond.Wait()
			continue
		}
		l.flushing = true
		l.flushMu.Unlock()

		err := l.flushOnce()

		l.flushMu.Lock()
		l.flushing = false
		l.flushCond.Broadcast()
		if err != nil {
			l.flushMu.Unlock()
			return err
		}
		if l.flushedToDiskLSN.Load() >= uint64(target) {
			l.flushMu.Unlock()
			return nil
		}
		// Buffer had less than target when we started; loop and flush
		// again (another Append may have landed meanwhile).
	}
}

// flushOnce packages whatever is currently pending into 512-byte
// blocks, writes them to the log group, and fsyncs — advancing both
// writed_to_file_lsn and flushed_to_disk_lsn.
func (l *Log) flushOnce() error {
	l.appendMu.Lock()
	toFlush := l.pending
	l.pending = nil
	startLSN := LSN(l.writedToFileLSN.Load())
	l.appendMu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}

	blocks := packageBlocks(toFlush, &l.nextBlockHdrNo, uint32(l.checkpointNo.Load()))
	if err := l.group.WriteBlocks(blocks); err != nil {
		// Bytes are still sitting in front of l.pending logically lost;
		// this is the fatal IO_ERROR path (spec.md §7): redo writes
		// cannot be retried piecemeal without risking a gap in the LSN
		// stream, so the caller aborts the process.
		return err
	}
	newLSN := uint64(startLSN) + uint64(len(toFlush))
	l.writedToFileLSN.Store(newLSN)

	if err := l.group.Sync(); err != nil {
		return err
	}
	l.flushedToDiskLSN.Store(newLSN)
	return nil
}

// packageBlocks slices flat log bytes into 512-byte blocks, each
// carrying a monotone header number; a record that straddles a block
// boundary simply continues into the next block's Body with
// FirstRecOffset left at 0 for that block (DataLen still marks how
// much of Body holds real bytes on the final, possibly-partial,
// block).
func packageBlocks(data []byte, hdrNoCounter *atomic.Uint64, checkpointNo uint32) []*Block {
	var blocks []*Block
	firstRecOffset := uint16(0)
	for off := 0; off < len(data); off += blockBodySize {
		end := off + blockBodySize
		if end > len(data) {
			end = len(data)
		}
		b := &Block{
			HdrNo:          hdrNoCounter.Add(1),
			FirstRecOffset: firstRecOffset,
			CheckpointNo:   checkpointNo,
		}
		n := copy(b.Body[:], data[off:end])
		b.DataLen = uint16(n)
		blocks = append(blocks, b)
		firstRecOffset = 0 // subsequent blocks start mid-record unless exactly aligned
	}
	return blocks
}

// SetCheckpointNo records the current checkpoint generation so
// subsequently written blocks are tagged with it (spec.md §3.6's
// block header checkpoint_no field).
func (l *Log) SetCheckpointNo(n uint64) { l.checkpointNo.Store(n) }

// WriteCheckpointRecord persists {checkpoint_no, checkpoint_lsn,
// archived_lsn} to the next alternating slot, spec.md §4.4.
func (l *Log) WriteCheckpointRecord(checkpointLSN LSN) error {
	no := l.checkpointNo.Add(1)
	return l.group.WriteCheckpoint(CheckpointBody{
		CheckpointNo:  no,
		CheckpointLSN: checkpointLSN,
		ArchivedLSN:   l.FlushedLSN(),
	})
}

// ReadBestCheckpoint picks the checkpoint slot with the larger
// CheckpointNo, spec.md §4.9 step 1.
func ReadBestCheckpoint(g *Group) (CheckpointBody, bool) {
	s0, s1, ok0, ok1 := g.ReadCheckpoints()
	switch {
	case ok0 && ok1:
		if s0.CheckpointNo >= s1.CheckpointNo {
			return s0, true
		}
		return s1, true
	case ok0:
		return s0, true
	case ok1:
		return s1, true
	default:
		return CheckpointBody{}, false
	}
}

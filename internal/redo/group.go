package redo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// checkpointAreaSize is reserved at the front of the first log file
// for the two alternating checkpoint-record slots (spec.md §4.4), so
// the circular block region begins after it.
const checkpointAreaSize = 2 * BlockSize

// Group is the fixed-size, circular multi-file log group of spec.md
// §3.6/§4.4: a logical byte stream striped across fileCount files of
// fileBlocks blocks each, wrapping back to file 0 once the group is
// full.
type Group struct {
	mu         sync.Mutex
	files      []*os.File
	fileBlocks uint64 // blocks per file
	totalBlocks uint64
	// nextBlockPos is the absolute block index (mod totalBlocks) where
	// the next block will be written.
	nextBlockPos uint64

	checkpointSlot int // next slot to overwrite, alternates 0/1
}

// OpenGroup opens (creating if absent) fileCount files of fileBlocks
// 512-byte blocks each, under dir, named log.0000, log.0001, ...
func OpenGroup(dir string, fileCount int, fileBlocks uint64) (*Group, error) {
	if fileCount < 1 {
		fileCount = 1
	}
	g := &Group{fileBlocks: fileBlocks, totalBlocks: uint64(fileCount) * fileBlocks}
	for i := 0; i < fileCount; i++ {
		path := filepath.Join(dir, logFileName(i))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", path)
		}
		g.files = append(g.files, f)
	}
	return g, nil
}

func logFileName(i int) string {
	return fmt.Sprintf("log.%04d", i)
}

// WriteBlocks writes a contiguous run of blocks starting at the
// group's current write position, wrapping across files as needed,
// and advances the position. Block positions that fall in file 0 are
// shifted by checkpointAreaSize, so the circular region never
// overlaps the two checkpoint slots at the front of that file.
func (g *Group) WriteBlocks(blocks []*Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range blocks {
		fileIdx := g.nextBlockPos / g.fileBlocks
		blockInFile := g.nextBlockPos % g.fileBlocks
		off := int64(blockInFile) * BlockSize
		if fileIdx == 0 {
			off += checkpointAreaSize
		}
		if _, err := g.files[fileIdx].WriteAt(b.Marshal(), off); err != nil {
			return errors.Wrap(err, "write log block")
		}
		g.nextBlockPos = (g.nextBlockPos + 1) % g.capacityBlocks()
	}
	return nil
}

func (g *Group) capacityBlocks() uint64 {
	// file 0 loses the blocks occupied by the checkpoint area.
	return g.totalBlocks - checkpointAreaSize/BlockSize
}

// CapacityBlocks exposes the group's usable block count, so recovery's
// forward scan knows when it has covered the whole circular region
// once and must stop rather than wrap back over blocks already read.
func (g *Group) CapacityBlocks() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacityBlocks()
}

// SetWritePosition points the group's next write at blockPos (mod
// capacity). OpenGroup always starts a freshly opened Group's write
// cursor at block 0 regardless of what is already on disk, so startup
// must call this after recovery's forward scan to resume appending
// past the last block it found valid — otherwise the first post-
// recovery flush would silently overwrite the log it just replayed.
func (g *Group) SetWritePosition(blockPos uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextBlockPos = blockPos % g.capacityBlocks()
}

func (g *Group) Sync() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range g.files {
		if err := f.Sync(); err != nil {
			return errors.Wrap(err, "fsync log file")
		}
	}
	return nil
}

// ReadBlock reads the block at absolute logical position pos (mod
// capacity), used by recovery to walk the log forward from block 0.
func (g *Group) ReadBlock(pos uint64) (*Block, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos %= g.capacityBlocks()
	fileIdx := pos / g.fileBlocks
	blockInFile := pos % g.fileBlocks
	off := int64(blockInFile) * BlockSize
	if fileIdx == 0 {
		off += checkpointAreaSize
	}
	buf := make([]byte, BlockSize)
	_, err := g.files[fileIdx].ReadAt(buf, off)
	if err != nil {
		return nil, false, nil // short read = nothing written there yet
	}
	blk, ok := Unmarshal(buf)
	return blk, ok, nil
}

// WriteCheckpoint writes cp to the next alternating slot in the
// reserved area of file 0 (spec.md §4.4).
func (g *Group) WriteCheckpoint(cp CheckpointBody) error {
	g.mu.Lock()
	slot := g.checkpointSlot
	g.checkpointSlot = 1 - g.checkpointSlot
	g.mu.Unlock()

	body := cp.Encode()
	buf := make([]byte, BlockSize)
	copy(buf, body)
	_, err := g.files[0].WriteAt(buf, int64(slot)*BlockSize)
	if err != nil {
		return errors.Wrap(err, "write checkpoint record")
	}
	return g.files[0].Sync()
}

// ReadCheckpoints reads both checkpoint slots, for startup to pick the
// one with the larger CheckpointNo (spec.md §4.9 step 1).
func (g *Group) ReadCheckpoints() (slot0, slot1 CheckpointBody, ok0, ok1 bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf0 := make([]byte, BlockSize)
	if _, err := g.files[0].ReadAt(buf0, 0); err == nil {
		slot0 = DecodeCheckpointBody(buf0)
		ok0 = true
	}
	buf1 := make([]byte, BlockSize)
	if _, err := g.files[0].ReadAt(buf1, BlockSize); err == nil {
		slot1 = DecodeCheckpointBody(buf1)
		ok1 = true
	}
	return
}

func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for _, f := range g.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package errkind defines the typed error kinds the storage core can
// raise, as enumerated in spec.md §7. Each kind is a stable
// *errors.Error built with pingcap/errors' RFC-style normalization so
// callers can compare kinds with errors.ErrorEqual instead of string
// matching, and so a kind survives being wrapped by juju/errors.Trace
// or pkg/errors.Wrap further up the stack.
package errkind

import "github.com/pingcap/errors"

var (
	OutOfMemory    = errors.Normalize("buffer pool allocation failed", errors.RFCCodeText("COS:OUT_OF_MEMORY"))
	IOError        = errors.Normalize("data or log file operation failed: %s", errors.RFCCodeText("COS:IO_ERROR"))
	DiskFull       = errors.Normalize("tablespace %d cannot auto-extend", errors.RFCCodeText("COS:DISK_FULL"))
	NoFreeUndoPage = errors.Normalize("undo allocator exhausted for rseg %d", errors.RFCCodeText("COS:NO_FREE_UNDO_PAGE"))
	RowTooBig      = errors.Normalize("row of %d bytes exceeds ROW_RECORD_MAX_SIZE %d", errors.RFCCodeText("COS:ROW_RECORD_TOO_BIG"))
	SnapshotTooOld = errors.Normalize("version chain needed to serve snapshot scn %d has been recycled", errors.RFCCodeText("COS:SNAPSHOT_TOO_OLD"))
	AllocITL       = errors.Normalize("page %d already has HEAP_PAGE_MAX_ITLS in use", errors.RFCCodeText("COS:ALLOC_ITL"))
	Deadlock       = errors.Normalize("cyclic wait detected, transaction %d chosen as victim", errors.RFCCodeText("COS:DEADLOCK"))

	// NotFound is not part of the spec's error-kind table but is needed
	// throughout the heap/undo lookup paths ("not found" is a valid,
	// non-erroneous outcome per §4.6.4 step 2 and §4.7.5 step 2).
	NotFound = errors.Normalize("no such row", errors.RFCCodeText("COS:NOT_FOUND"))

	// Corruption guards the page/slot layout invariants of §8 that
	// should never fail outside a bug or on-disk corruption (e.g. a
	// slot index outside its rseg's allocated pages).
	Corruption = errors.Normalize("on-disk layout invariant violated: %s", errors.RFCCodeText("COS:CORRUPTION"))
)

// Is reports whether err (or any error it wraps) was produced by kind.
func Is(err error, kind *errors.Error) bool {
	if err == nil {
		return false
	}
	return kind.Equal(err)
}

// New instantiates kind with a stack trace and formatting args, e.g.
//
//	errkind.New(errkind.RowTooBig, size, maxSize)
func New(kind *errors.Error, args ...interface{}) error {
	return kind.GenWithStackByArgs(args...)
}

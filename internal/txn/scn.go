// Package txn implements the transaction system of spec.md §4.5: the
// rollback-segment array, persistent transaction slots, the SCN
// generator, and trx begin/commit/rollback bookkeeping. Undo chain
// traversal itself lives in package undo, which depends on this
// package for Trx and Slot, not the other way around.
package txn

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// SCN is the monotone commit timestamp of spec.md §3.1: upper 32 bits
// are wall-clock seconds since initTime, lower 32 bits an intra-second
// sequence. SCNs never decrease.
type SCN uint64

// scnGenerator implements trx_get_next_scn, spec.md §4.5: a candidate
// built from wall time is CAS'd up against the running maximum so the
// result is always strictly greater than anything handed out before,
// while still tracking real time when the clock is running ahead of
// the previous value.
type scnGenerator struct {
	initTime time.Time
	current  atomic.Uint64
	seqMu    sync.Mutex
	lastSec  int64
	seq      uint32
}

func newSCNGenerator() *scnGenerator {
	return &scnGenerator{initTime: time.Now()}
}

// Next returns a fresh SCN, strictly greater than every SCN returned
// before it on this generator.
func (g *scnGenerator) Next() SCN {
	now := time.Now()
	elapsedSec := int64(now.Sub(g.initTime) / time.Second)

	g.seqMu.Lock()
	if elapsedSec == g.lastSec {
		g.seq++
	} else {
		g.lastSec = elapsedSec
		g.seq = 0
	}
	seq := g.seq
	g.seqMu.Unlock()

	candidate := uint64(elapsedSec)<<32 | uint64(seq)

	for {
		cur := g.current.Load()
		next := cur + 1
		if candidate > next {
			next = candidate
		}
		if g.current.CAS(cur, next) {
			return SCN(next)
		}
	}
}

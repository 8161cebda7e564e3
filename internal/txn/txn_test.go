package txn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/buffer"
	"github.com/holystardb/cos/internal/pageio"
	"github.com/holystardb/cos/internal/redo"
	"github.com/holystardb/cos/internal/txn"
)

func newTestSys(t *testing.T, rsegCount int) *txn.Sys {
	t.Helper()
	dataDir := t.TempDir()
	sm := pageio.NewSpaceManager(dataDir)
	pool := buffer.NewPool(64, sm)

	logDir := t.TempDir()
	group, err := redo.OpenGroup(logDir, 2, 256)
	require.NoError(t, err)
	t.Cleanup(func() { group.Close() })
	log := redo.New(group, 0)

	sys, err := txn.CreateSys(pool, log, sm, 1, rsegCount)
	require.NoError(t, err)
	return sys
}

func TestBeginAssignsDistinctSlotsRoundRobin(t *testing.T) {
	sys := newTestSys(t, 2)
	t1, err := sys.Begin()
	require.NoError(t, err)
	t2, err := sys.Begin()
	require.NoError(t, err)
	assert.NotEqual(t, t1.ID, t2.ID)
	assert.Equal(t, txn.StatusBegin, t1.Status)
}

func TestCommitAdvancesSCNAndFreesSlot(t *testing.T) {
	sys := newTestSys(t, 1)
	trx, err := sys.Begin()
	require.NoError(t, err)

	scn1, err := trx.Commit()
	require.NoError(t, err)
	assert.Equal(t, txn.StatusEnd, trx.Status)

	trx2, err := sys.Begin()
	require.NoError(t, err)
	scn2, err := trx2.Commit()
	require.NoError(t, err)
	assert.Greater(t, uint64(scn2), uint64(scn1))
}

func TestGetStatusByITLDetectsSlotReuse(t *testing.T) {
	sys := newTestSys(t, 1)
	trx, err := sys.Begin()
	require.NoError(t, err)
	originalXnum := trx.ID.Xnum()

	status, _, err := sys.GetStatusByITL(trx.ID.RsegID(), trx.ID.Slot(), originalXnum)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusBegin, status)

	_, err = trx.Commit()
	require.NoError(t, err)

	trx2, err := sys.Begin()
	require.NoError(t, err)
	require.Equal(t, trx.ID.Slot(), trx2.ID.Slot())
	require.NotEqual(t, originalXnum, trx2.ID.Xnum())

	status, _, err = sys.GetStatusByITL(trx2.ID.RsegID(), trx2.ID.Slot(), originalXnum)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusEnd, status)
}

func TestSCNGeneratorIsStrictlyMonotone(t *testing.T) {
	sys := newTestSys(t, 1)
	var scns []txn.SCN
	for i := 0; i < 5; i++ {
		trx, err := sys.Begin()
		require.NoError(t, err)
		scn, err := trx.Commit()
		require.NoError(t, err)
		scns = append(scns, scn)
	}
	for i := 1; i < len(scns); i++ {
		assert.Greater(t, uint64(scns[i]), uint64(scns[i-1]))
	}
}

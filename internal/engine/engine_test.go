package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/config"
	"github.com/holystardb/cos/internal/engine"
)

func testConfig(dir string) config.Config {
	cfg := config.Defaults(dir)
	cfg.BufferPoolFrames = 32
	cfg.LogFileCount = 2
	cfg.LogFileBlocks = 128
	cfg.RsegCount = 2
	return cfg
}

func TestOpenFreshDatabaseFormatsAndCommits(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(testConfig(dir), nil)
	require.NoError(t, err)
	require.NotNil(t, e.Sys)
	assert.False(t, e.Recovery.HasCheckpoint)
	assert.Equal(t, 0, e.Recovery.TrxRolledBack)

	trx, err := e.Sys.Begin()
	require.NoError(t, err)
	_, err = trx.Commit()
	require.NoError(t, err)

	require.NoError(t, e.Close())
}

func TestReopenExistingDatabaseFindsPriorCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := engine.Open(cfg, nil)
	require.NoError(t, err)
	trx, err := e.Sys.Begin()
	require.NoError(t, err)
	_, err = trx.Commit()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := engine.Open(cfg, nil)
	require.NoError(t, err)
	assert.True(t, e2.Recovery.HasCheckpoint)
	require.NoError(t, e2.Close())
}

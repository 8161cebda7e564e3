package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holystardb/cos/internal/config"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "nonexistent.ini"), dir)
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(dir), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coskernel.ini")

	want := config.Defaults(dir)
	want.BufferPoolFrames = 8192
	want.RsegCount = 16

	require.NoError(t, config.Save(path, want))

	got, err := config.Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, want.BufferPoolFrames, got.BufferPoolFrames)
	assert.Equal(t, want.RsegCount, got.RsegCount)
	assert.Equal(t, want.DataDir, got.DataDir)
}

func TestLoadFillsMissingDataDirFromArgument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coskernel.ini")

	cfg := config.Defaults("")
	cfg.DataDir = ""
	require.NoError(t, config.Save(path, cfg))

	got, err := config.Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got.DataDir)
}

package errkind_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/holystardb/cos/internal/errkind"
)

func TestKindsAreDistinguishable(t *testing.T) {
	err := errkind.New(errkind.SnapshotTooOld, 42)
	assert.True(t, errkind.Is(err, errkind.SnapshotTooOld))
	assert.False(t, errkind.Is(err, errkind.AllocITL))
}

func TestNewFormatsMessage(t *testing.T) {
	err := errkind.New(errkind.RowTooBig, 9000, 8192)
	assert.Contains(t, err.Error(), "9000")
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	return New(zap.NewNop())
}

func TestAddAndLookup(t *testing.T) {
	tbl := newTestTable(t)
	c, err := tbl.Add(1, 100, "/bin/true", true, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.Tag)
	assert.Equal(t, 100, c.PID)
	assert.Equal(t, "/bin/true", c.Argv0)

	byTag, ok := tbl.ByTag(1)
	require.True(t, ok)
	assert.Same(t, c, byTag)

	byPID, ok := tbl.ByPID(100)
	require.True(t, ok)
	assert.Same(t, c, byPID)

	assert.Equal(t, 1, tbl.Len())
}

func TestAddDuplicateTagRejected(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Add(1, 100, "/bin/true", false, false)
	require.NoError(t, err)

	_, err = tbl.Add(1, 200, "/bin/true", false, false)
	assert.ErrorIs(t, err, ErrTagInUse)
}

func TestFinalizationRequiresExitAndBothPipesClosed(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Add(1, 100, "/bin/true", true, true)
	require.NoError(t, err)

	// Exit reported but pipes still open: stays live.
	tbl.MarkExited(100, 0)
	assert.Equal(t, 1, tbl.Len())

	// One pipe closes: still live (other still open).
	tbl.ClosePipe(1, 1)
	assert.Equal(t, 1, tbl.Len())

	// Second pipe closes: now finalized.
	tbl.ClosePipe(1, 2)
	assert.Equal(t, 0, tbl.Len())

	_, ok := tbl.ByTag(1)
	assert.False(t, ok)
	_, ok = tbl.ByPID(100)
	assert.False(t, ok)
}

func TestFinalizationOrderPipesBeforeExit(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Add(2, 200, "/bin/true", true, false)
	require.NoError(t, err)

	// Only stdout forwarded; closing it alone isn't enough without exit.
	tbl.ClosePipe(2, 1)
	assert.Equal(t, 1, tbl.Len())

	tbl.MarkExited(200, 0)
	assert.Equal(t, 0, tbl.Len())
}

func TestNoForwardedPipesFinalizesOnExitAlone(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Add(3, 300, "/bin/true", false, false)
	require.NoError(t, err)

	_, found := tbl.MarkExited(300, 0)
	assert.True(t, found)
	assert.Equal(t, 0, tbl.Len())
}

func TestMarkExitedUnknownPID(t *testing.T) {
	tbl := newTestTable(t)
	_, found := tbl.MarkExited(999, 0)
	assert.False(t, found)
}

func TestRemoveForced(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Add(1, 100, "/bin/true", true, true)
	require.NoError(t, err)

	tbl.Remove(1)
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.ByPID(100)
	assert.False(t, ok)
}

func TestLiveListsAllPIDs(t *testing.T) {
	tbl := newTestTable(t)
	_, _ = tbl.Add(1, 100, "/bin/true", false, false)
	_, _ = tbl.Add(2, 200, "/bin/true", false, false)

	live := tbl.Live()
	assert.ElementsMatch(t, []int{100, 200}, live)
}

func TestSuppressOutputPerChild(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Add(1, 100, "/bin/true", true, true)
	require.NoError(t, err)
	_, err = tbl.Add(2, 200, "/bin/true", true, true)
	require.NoError(t, err)

	assert.False(t, tbl.IsOutputSuppressed(1))
	tbl.SetSuppressOutput(1)
	assert.True(t, tbl.IsOutputSuppressed(1))
	assert.False(t, tbl.IsOutputSuppressed(2), "suppression must not leak across children")
}

func TestSuppressOutputUnknownTagIsFalse(t *testing.T) {
	tbl := newTestTable(t)
	assert.False(t, tbl.IsOutputSuppressed(999))
}

func TestTagReusableAfterFinalization(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Add(1, 100, "/bin/true", false, false)
	require.NoError(t, err)
	tbl.MarkExited(100, 0)
	assert.Equal(t, 0, tbl.Len())

	// Tag 1 is free again once the prior child is fully finalized.
	_, err = tbl.Add(1, 150, "/bin/true", false, false)
	assert.NoError(t, err)
}

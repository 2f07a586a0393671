package pifs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifs-project/pifs/internal/flashsim"
)

// tinyCfg is a geometry small enough to address by hand in these
// white-box tests: 4 blocks x 8 pages x 64 bytes, bitmap pinned at
// block 0 so every data page lives in blocks 1-3.
func tinyCfg() Config {
	cfg := DefaultConfig()
	cfg.BlockNumAll = 4
	cfg.PagesPerBlock = 8
	cfg.PageSize = 64
	return cfg
}

func newTestBitmap(t *testing.T) (*bitmap, Config) {
	t.Helper()
	cfg := tinyCfg()
	sim := flashsim.New(cfg.Geometry, cfg.FlashErasedValue)
	require.NoError(t, sim.Init())
	cache := newPageCache(cfg, sim, newLoggers(nil).fsbm)
	bm := newBitmap(cfg, cache, Address{Block: 0, Page: 0}, newLoggers(nil).fsbm)
	return bm, cfg
}

func TestBitmapMarkOnceTransitions(t *testing.T) {
	bm, _ := newTestBitmap(t)

	f, r, err := bm.readBits(1, 0)
	require.NoError(t, err)
	assert.True(t, f)
	assert.True(t, r)

	require.NoError(t, bm.markPage(1, 0, 1, true, false))
	free, err := bm.isPageFree(1, 0)
	require.NoError(t, err)
	assert.False(t, free)

	require.NoError(t, bm.markPage(1, 0, 1, false, true))
	tbr, err := bm.isPageToBeReleased(1, 0)
	require.NoError(t, err)
	assert.True(t, tbr)

	err = bm.markPage(1, 0, 1, true, false)
	require.Error(t, err)
}

func TestBitmapMarkPageRejectsWrongStartState(t *testing.T) {
	bm, _ := newTestBitmap(t)
	require.NoError(t, bm.markPage(1, 0, 1, true, false))

	err := bm.markPage(1, 0, 1, true, false)
	require.Error(t, err)

	err = bm.markPage(1, 1, 1, false, true)
	require.Error(t, err)
}

func TestBitmapFindFreePagePrefersLongestRun(t *testing.T) {
	bm, _ := newTestBitmap(t)
	mgmt := []int32{0}

	// Carve block 1 into two free runs of different lengths: pages 0-1
	// free, 2-3 used, 4-7 free (the longer run). A minCount/maxCount that
	// only one of the two runs satisfies must land in the longer one.
	require.NoError(t, bm.markPage(1, 2, 2, true, false))

	addr, n, err := bm.findFreePage(3, 4, BlockData, WearPolicyLinear, nil, -1, mgmt, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), addr.Block)
	assert.Equal(t, int32(4), addr.Page)
	assert.Equal(t, 4, n)
}

func TestBitmapFindFreePageHonorsLeastWornOrder(t *testing.T) {
	bm, _ := newTestBitmap(t)
	mgmt := []int32{0}

	// Exhaust block 2 entirely so blocks 1 and 3 both have room, and check that
	// WearPolicyLeastWorn walks the supplied order rather than address
	// order: block 3 listed before block 1 must win even though 1 < 3.
	require.NoError(t, bm.markPage(2, 0, 8, true, false))

	addr, _, err := bm.findFreePage(1, 1, BlockData, WearPolicyLeastWorn, []int32{3, 1}, -1, mgmt, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(3), addr.Block)
}

func TestBitmapFindFreePageReturnsNoMoreSpaceWhenFull(t *testing.T) {
	bm, _ := newTestBitmap(t)
	mgmt := []int32{0}
	for ba := int32(1); ba < 4; ba++ {
		require.NoError(t, bm.markPage(ba, 0, 8, true, false))
	}

	_, _, err := bm.findFreePage(1, 1, BlockData, WearPolicyLinear, nil, -1, mgmt, 0, 0)
	require.Error(t, err)
	assert.Equal(t, StatusNoMoreSpace, StatusOf(err))
}

func TestBitmapScanAndFreeSpace(t *testing.T) {
	bm, cfg := newTestBitmap(t)
	require.NoError(t, bm.markPage(1, 0, 3, true, false))
	require.NoError(t, bm.markPage(1, 0, 1, false, true))

	st, err := bm.scan(-1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ToBeReleased)
	assert.Equal(t, 2, st.Used)

	free, err := bm.freeSpace()
	require.NoError(t, err)
	assert.Equal(t, (bm.totalPages()-3)*cfg.PageSize, free)

	tbrSpace, err := bm.toBeReleasedSpace()
	require.NoError(t, err)
	assert.Equal(t, cfg.PageSize, tbrSpace)
}

func TestBlockOfType(t *testing.T) {
	cfg := tinyCfg()
	mgmt := []int32{0}
	assert.True(t, blockOfType(cfg, 0, BlockPrimaryManagement, mgmt, 0, 2))
	assert.True(t, blockOfType(cfg, 2, BlockSecondaryManagement, mgmt, 0, 2))
	assert.True(t, blockOfType(cfg, 1, BlockData, mgmt, 0, 2))
	assert.False(t, blockOfType(cfg, 0, BlockData, mgmt, 0, 2))
}

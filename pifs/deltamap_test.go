package pifs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifs-project/pifs/internal/flashsim"
)

// stubAllocator is a minimal pageAllocator backed by a real allocator and
// bitmap, scoped to data blocks 1-3 of tinyCfg, for exercising deltaMap in
// isolation from FS.
type stubAllocator struct {
	al *allocator
}

func (s *stubAllocator) Allocate(minCount, maxCount int, blockType BlockType, policy WearPolicy) (Address, int, error) {
	// tinyCfg's data blocks are 1-3 (block 0 holds the management area);
	// stand in for FS.allocateWithBlock's header.LeastWeared-derived order.
	return s.al.allocate(minCount, maxCount, blockType, policy, []int32{1, 2, 3}, -1, []int32{0}, 0, 0)
}

func newTestDeltaMap(t *testing.T) (*deltaMap, *bitmap, *stubAllocator, Config) {
	t.Helper()
	cfg := tinyCfg()
	sim := flashsim.New(cfg.Geometry, cfg.FlashErasedValue)
	require.NoError(t, sim.Init())
	cache := newPageCache(cfg, sim, newLoggers(nil).deltaMap)
	bm := newBitmap(cfg, cache, Address{Block: 0, Page: 0}, newLoggers(nil).fsbm)
	dm := newDeltaMap(cfg, cache, Address{Block: 0, Page: 1}, newLoggers(nil).deltaMap)
	return dm, bm, &stubAllocator{al: newAllocator(cfg, bm)}, cfg
}

func TestDeltaMapWriteDeltaRedirectsReads(t *testing.T) {
	dm, bm, alloc, cfg := newTestDeltaMap(t)

	orig := Address{Block: 1, Page: 0}
	require.NoError(t, bm.markPage(orig.Block, orig.Page, 1, true, false))

	full := make([]byte, cfg.PageSize)
	for i := range full {
		full[i] = 0xAB
	}
	require.NoError(t, dm.cache.write(orig.Block, orig.Page, 0, full, cfg.PageSize))

	patch := []byte{1, 2, 3}
	require.NoError(t, dm.writeDelta(alloc, bm, orig.Block, orig.Page, 5, patch, len(patch)))

	got := make([]byte, len(patch))
	require.NoError(t, dm.readDelta(orig.Block, orig.Page, 5, got, len(patch)))
	assert.Equal(t, patch, got)

	// Unmodified bytes around the patch must have carried over from the
	// original page content.
	tail := make([]byte, 1)
	require.NoError(t, dm.readDelta(orig.Block, orig.Page, 4, tail, 1))
	assert.Equal(t, byte(0xAB), tail[0])

	tbr, err := bm.isPageToBeReleased(orig.Block, orig.Page)
	require.NoError(t, err)
	assert.True(t, tbr)
}

func TestDeltaMapSecondWriteRedirectsFromPreviousDelta(t *testing.T) {
	dm, bm, alloc, cfg := newTestDeltaMap(t)
	orig := Address{Block: 1, Page: 0}
	require.NoError(t, bm.markPage(orig.Block, orig.Page, 1, true, false))
	require.NoError(t, dm.cache.write(orig.Block, orig.Page, 0, make([]byte, cfg.PageSize), cfg.PageSize))

	require.NoError(t, dm.writeDelta(alloc, bm, orig.Block, orig.Page, 0, []byte{1}, 1))
	first := dm.resolve(orig.Block, orig.Page)

	require.NoError(t, dm.writeDelta(alloc, bm, orig.Block, orig.Page, 1, []byte{2}, 1))
	second := dm.resolve(orig.Block, orig.Page)

	assert.NotEqual(t, first, second)
	firstTBR, err := bm.isPageToBeReleased(first.Block, first.Page)
	require.NoError(t, err)
	assert.True(t, firstTBR)

	got := make([]byte, 2)
	require.NoError(t, dm.readDelta(orig.Block, orig.Page, 0, got, 2))
	assert.Equal(t, []byte{1, 2}, got)
}

func TestDeltaMapFullReturnsNoMoreDeltaEntry(t *testing.T) {
	dm, bm, alloc, cfg := newTestDeltaMap(t)
	orig := Address{Block: 1, Page: 0}
	require.NoError(t, bm.markPage(orig.Block, orig.Page, 1, true, false))
	require.NoError(t, dm.cache.write(orig.Block, orig.Page, 0, make([]byte, cfg.PageSize), cfg.PageSize))

	for i := 0; i < dm.totalSlots; i++ {
		require.NoError(t, dm.writeDelta(alloc, bm, orig.Block, orig.Page, 0, []byte{byte(i)}, 1))
	}
	assert.True(t, dm.full())

	err := dm.writeDelta(alloc, bm, orig.Block, orig.Page, 0, []byte{9}, 1)
	require.Error(t, err)
	assert.Equal(t, StatusNoMoreDeltaEntry, StatusOf(err))
}

func TestDeltaMapRebuildRepopulatesMirror(t *testing.T) {
	dm, bm, alloc, cfg := newTestDeltaMap(t)
	orig := Address{Block: 1, Page: 0}
	require.NoError(t, bm.markPage(orig.Block, orig.Page, 1, true, false))
	require.NoError(t, dm.cache.write(orig.Block, orig.Page, 0, make([]byte, cfg.PageSize), cfg.PageSize))
	require.NoError(t, dm.writeDelta(alloc, bm, orig.Block, orig.Page, 0, []byte{7}, 1))
	want := dm.resolve(orig.Block, orig.Page)

	fresh := newDeltaMap(cfg, dm.cache, dm.firstAddr, newLoggers(nil).deltaMap)
	require.NoError(t, fresh.rebuild())

	assert.Equal(t, want, fresh.resolve(orig.Block, orig.Page))
	assert.Equal(t, dm.count, fresh.count)
}

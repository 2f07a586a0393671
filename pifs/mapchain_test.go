package pifs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifs-project/pifs/internal/flashsim"
)

// mapTestAllocator hands out map pages one at a time from a fixed list,
// in order, so extendChain's "need a new map page" branch is exercised
// deterministically without wiring a full bitmap/allocator.
type mapTestAllocator struct {
	pages []Address
	next  int
}

func (a *mapTestAllocator) Allocate(minCount, maxCount int, blockType BlockType, policy WearPolicy) (Address, int, error) {
	if a.next >= len(a.pages) {
		return Address{}, 0, NewError(StatusNoMoreSpace)
	}
	p := a.pages[a.next]
	a.next++
	return p, 1, nil
}

func newTestMapChain(t *testing.T) (*mapChain, Config) {
	t.Helper()
	cfg := tinyCfg()
	sim := flashsim.New(cfg.Geometry, cfg.FlashErasedValue)
	require.NoError(t, sim.Init())
	cache := newPageCache(cfg, sim, newLoggers(nil).file)
	mc := newMapChain(cfg, cache, newLoggers(nil).file)
	return mc, cfg
}

func TestMapChainExtendChainStartsNewChain(t *testing.T) {
	mc, _ := newTestMapChain(t)
	alloc := &mapTestAllocator{pages: []Address{{Block: 0, Page: 0}}}

	first, err := mc.extendChain(alloc, Address{Block: -1, Page: -1}, Address{Block: 1, Page: 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, Address{Block: 0, Page: 0}, first)

	page, err := mc.readPage(first)
	require.NoError(t, err)
	require.Len(t, page.Extents, 1)
	assert.Equal(t, Address{Block: 1, Page: 0}, page.Extents[0].Address)
	assert.Equal(t, uint32(1), page.Extents[0].PageCount)
}

func TestMapChainExtendChainCoalescesContiguousExtent(t *testing.T) {
	mc, _ := newTestMapChain(t)
	alloc := &mapTestAllocator{pages: []Address{{Block: 0, Page: 0}}}

	first, err := mc.extendChain(alloc, Address{Block: -1, Page: -1}, Address{Block: 1, Page: 0}, 1)
	require.NoError(t, err)

	// Page 1 is contiguous with the extent just created (block 1, page 0,
	// count 1): this must grow the existing extent rather than append a
	// new one or allocate a new map page.
	second, err := mc.extendChain(alloc, first, Address{Block: 1, Page: 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	page, err := mc.readPage(first)
	require.NoError(t, err)
	require.Len(t, page.Extents, 1)
	assert.Equal(t, uint32(2), page.Extents[0].PageCount)
	assert.Equal(t, 1, alloc.next) // no second map page consumed
}

func TestMapChainExtendChainAddsSecondExtentWhenNotContiguous(t *testing.T) {
	mc, _ := newTestMapChain(t)
	alloc := &mapTestAllocator{pages: []Address{{Block: 0, Page: 0}}}

	first, err := mc.extendChain(alloc, Address{Block: -1, Page: -1}, Address{Block: 1, Page: 0}, 1)
	require.NoError(t, err)

	// Block 2 page 0 is not contiguous with (block 1, page 0, count 1):
	// a second extent in the same map page, not a coalesce.
	second, err := mc.extendChain(alloc, first, Address{Block: 2, Page: 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	page, err := mc.readPage(first)
	require.NoError(t, err)
	require.Len(t, page.Extents, 2)
	assert.Equal(t, Address{Block: 2, Page: 0}, page.Extents[1].Address)
}

func TestMapChainExtendChainAllocatesNewMapPageWhenFull(t *testing.T) {
	mc, cfg := newTestMapChain(t)
	maxPerPage := mapExtentsPerPage(cfg)
	alloc := &mapTestAllocator{pages: []Address{{Block: 0, Page: 0}, {Block: 0, Page: 1}}}

	first := Address{Block: -1, Page: -1}
	var err error
	// Fill the first map page with non-contiguous extents (blocks 1, 3,
	// 5, ..., one unused block between each so nothing coalesces), until
	// it is at capacity.
	for i := 0; i < maxPerPage; i++ {
		first, err = mc.extendChain(alloc, first, Address{Block: int32(1 + 2*i), Page: 0}, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, alloc.next)

	// One more extent must spill into a freshly allocated map page.
	newFirst, err := mc.extendChain(alloc, first, Address{Block: 99, Page: 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, first, newFirst) // chain keeps the same logical head
	assert.Equal(t, 2, alloc.next)

	firstPage, err := mc.readPage(first)
	require.NoError(t, err)
	assert.True(t, firstPage.Next.Valid(cfg))

	secondPage, err := mc.readPage(firstPage.Next)
	require.NoError(t, err)
	require.Len(t, secondPage.Extents, 1)
	assert.Equal(t, Address{Block: 99, Page: 0}, secondPage.Extents[0].Address)
}

func TestMapChainRelocateExtentSplitsAroundRelocatedPage(t *testing.T) {
	mc, _ := newTestMapChain(t)
	alloc := &mapTestAllocator{pages: []Address{{Block: 0, Page: 0}}}

	first, err := mc.extendChain(alloc, Address{Block: -1, Page: -1}, Address{Block: 1, Page: 0}, 5)
	require.NoError(t, err)

	changed, err := mc.relocateExtent(first, Address{Block: 1, Page: 2}, Address{Block: 3, Page: 0})
	require.NoError(t, err)
	assert.True(t, changed)

	page, err := mc.readPage(first)
	require.NoError(t, err)
	require.Len(t, page.Extents, 3)
	assert.Equal(t, Extent{Address: Address{Block: 1, Page: 0}, PageCount: 2}, page.Extents[0])
	assert.Equal(t, Extent{Address: Address{Block: 3, Page: 0}, PageCount: 1}, page.Extents[1])
	assert.Equal(t, Extent{Address: Address{Block: 1, Page: 3}, PageCount: 2}, page.Extents[2])
}

func TestMapChainRelocateExtentAtBoundaryDoesNotEmitEmptyPieces(t *testing.T) {
	mc, _ := newTestMapChain(t)
	alloc := &mapTestAllocator{pages: []Address{{Block: 0, Page: 0}}}

	first, err := mc.extendChain(alloc, Address{Block: -1, Page: -1}, Address{Block: 1, Page: 0}, 2)
	require.NoError(t, err)

	// Relocating the first page of a two-page extent must not emit a
	// zero-length "before" piece.
	changed, err := mc.relocateExtent(first, Address{Block: 1, Page: 0}, Address{Block: 3, Page: 0})
	require.NoError(t, err)
	assert.True(t, changed)

	page, err := mc.readPage(first)
	require.NoError(t, err)
	require.Len(t, page.Extents, 2)
	assert.Equal(t, Extent{Address: Address{Block: 3, Page: 0}, PageCount: 1}, page.Extents[0])
	assert.Equal(t, Extent{Address: Address{Block: 1, Page: 1}, PageCount: 1}, page.Extents[1])
}

func TestMapChainRelocateExtentReportsUnchangedWhenNotReferenced(t *testing.T) {
	mc, _ := newTestMapChain(t)
	alloc := &mapTestAllocator{pages: []Address{{Block: 0, Page: 0}}}

	first, err := mc.extendChain(alloc, Address{Block: -1, Page: -1}, Address{Block: 1, Page: 0}, 2)
	require.NoError(t, err)

	changed, err := mc.relocateExtent(first, Address{Block: 9, Page: 0}, Address{Block: 3, Page: 0})
	require.NoError(t, err)
	assert.False(t, changed)
}

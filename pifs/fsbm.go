package pifs

import (
	"github.com/sirupsen/logrus"
)

// bitmap is the free-space bitmap (§3, §4.2): two bits per logical page of
// the filesystem region, (F, R) pairs packed LSB-first within each byte,
// pages ordered by ascending (block, page). bit F=1 (erased) means "free";
// bit R=1 (erased) means "not to-be-released". A page is:
//
//	(1,1) free
//	(0,1) live (allocated, not released)
//	(0,0) garbage awaiting erase
//
// Transitions only clear bits (mark-once), matching what NOR flash can
// actually do without an erase.
type bitmap struct {
	cfg       Config
	cache     *pageCache
	firstAddr Address // first logical page of the bitmap, in the active management area
	log       *logrus.Entry
}

func newBitmap(cfg Config, cache *pageCache, firstAddr Address, log *logrus.Entry) *bitmap {
	return &bitmap{cfg: cfg, cache: cache, firstAddr: firstAddr, log: log}
}

// totalPages is the number of logical pages tracked by the bitmap: every
// page of the filesystem region (management areas and data blocks alike;
// the bitmap pages themselves are tracked too, per Design Note 9).
func (bm *bitmap) totalPages() int {
	return (bm.cfg.BlockNumAll - bm.cfg.BlockReservedNum) * bm.cfg.PagesPerBlock
}

// pageCount is the number of logical pages the bitmap itself occupies.
func (bm *bitmap) pageCount() int {
	bytesNeeded := (bm.totalPages()*2 + 7) / 8
	return (bytesNeeded + bm.cfg.PageSize - 1) / bm.cfg.PageSize
}

func (bm *bitmap) globalIndex(ba, pa int32) int {
	return int(ba-int32(bm.cfg.BlockReservedNum))*bm.cfg.PagesPerBlock + int(pa)
}

// location returns the (logical page address, offset within that page, bit
// offset within the byte at that offset) for the bit pair of page index i.
func (bm *bitmap) location(i int) (Address, int, uint) {
	bitOffset := i * 2
	byteOffset := bitOffset / 8
	page := byteOffset / bm.cfg.PageSize
	offsetInPage := byteOffset % bm.cfg.PageSize
	addr := Address{Block: bm.firstAddr.Block, Page: bm.firstAddr.Page + int32(page)}
	return addr, offsetInPage, uint(bitOffset % 8)
}

func (bm *bitmap) readBits(ba, pa int32) (f, r bool, err error) {
	i := bm.globalIndex(ba, pa)
	addr, off, shift := bm.location(i)
	var b [1]byte
	if err := bm.cache.read(addr.Block, addr.Page, off, b[:], 1); err != nil {
		return false, false, err
	}
	f = b[0]&(1<<shift) != 0
	r = b[0]&(1<<(shift+1)) != 0
	return f, r, nil
}

func (bm *bitmap) writeBits(ba, pa int32, f, r bool) error {
	i := bm.globalIndex(ba, pa)
	addr, off, shift := bm.location(i)
	var b [1]byte
	if err := bm.cache.read(addr.Block, addr.Page, off, b[:], 1); err != nil {
		return err
	}
	set := func(bit uint, v bool) {
		if v {
			b[0] |= 1 << bit
		} else {
			b[0] &^= 1 << bit
		}
	}
	set(shift, f)
	set(shift+1, r)
	return bm.cache.write(addr.Block, addr.Page, off, b[:], 1)
}

// isPageFree reports whether (ba, pa) is currently free.
func (bm *bitmap) isPageFree(ba, pa int32) (bool, error) {
	f, _, err := bm.readBits(ba, pa)
	return f, err
}

// isPageToBeReleased reports whether (ba, pa) is marked to-be-released.
func (bm *bitmap) isPageToBeReleased(ba, pa int32) (bool, error) {
	f, r, err := bm.readBits(ba, pa)
	if err != nil {
		return false, err
	}
	return !f && !r, nil
}

// markPage marks count consecutive logical pages starting at (ba, pa),
// either as used (free→allocated, F programmed) or as to-be-released
// (allocated→to-be-released, R programmed), per §4.2. It fails if the
// current bit state disagrees with the requested transition.
func (bm *bitmap) markPage(ba, pa int32, count int, setUsed, setTBR bool) error {
	for i := 0; i < count; i++ {
		p := pa + int32(i)
		f, r, err := bm.readBits(ba, p)
		if err != nil {
			return err
		}
		switch {
		case setUsed:
			if !f {
				return Wrap(StatusGeneral, nil, "page (%d,%d) already used", ba, p)
			}
			if err := bm.writeBits(ba, p, false, r); err != nil {
				return err
			}
		case setTBR:
			if f || !r {
				return Wrap(StatusGeneral, nil, "page (%d,%d) not live", ba, p)
			}
			if err := bm.writeBits(ba, p, false, false); err != nil {
				return err
			}
		}
	}
	bm.log.WithFields(logrus.Fields{"block": ba, "page": pa, "count": count, "used": setUsed, "tbr": setTBR}).Debug("mark")
	return nil
}

// blockOfType reports whether block ba matches blockType, consulting the
// header's management-area pointers. mgmtBlocks lists the block indices of
// both management areas in order [primary..., secondary...]; a block not
// in that list is DATA.
func blockOfType(cfg Config, ba int32, blockType BlockType, mgmtBlocks []int32, primaryStart, secondaryStart int32) bool {
	switch blockType {
	case BlockReserved:
		return ba < int32(cfg.BlockReservedNum)
	case BlockPrimaryManagement:
		return ba >= primaryStart && ba < primaryStart+int32(cfg.ManagementBlocks)
	case BlockSecondaryManagement:
		return ba >= secondaryStart && ba < secondaryStart+int32(cfg.ManagementBlocks)
	case BlockData:
		if ba < int32(cfg.BlockReservedNum) {
			return false
		}
		for _, m := range mgmtBlocks {
			if m == ba {
				return false
			}
		}
		return true
	}
	return false
}

// findFreePage locates a run of consecutive free logical pages of at least
// minCount (up to maxCount) within blocks of blockType, per §4.5. policy
// selects the search order: WearPolicyLeastWorn walks leastWorn in order
// (data blocks only); otherwise blocks are scanned linearly. pinnedBlock
// is consulted only for WearPolicySpecificBlock.
func (bm *bitmap) findFreePage(minCount, maxCount int, blockType BlockType, policy WearPolicy,
	leastWorn []int32, pinnedBlock int32, mgmtBlocks []int32, primaryStart, secondaryStart int32) (Address, int, error) {

	tryBlock := func(ba int32) (Address, int, bool, error) {
		bestPA, bestLen := int32(-1), 0
		runStart, runLen := int32(-1), 0
		flush := func(endPA int32) {
			if runLen > bestLen {
				bestPA, bestLen = runStart, runLen
			}
			runStart, runLen = -1, 0
			_ = endPA
		}
		for pa := int32(0); pa < int32(bm.cfg.PagesPerBlock); pa++ {
			free, err := bm.isPageFree(ba, pa)
			if err != nil {
				return Address{}, 0, false, err
			}
			if free {
				if runLen == 0 {
					runStart = pa
				}
				runLen++
				if runLen >= maxCount {
					flush(pa)
				}
			} else {
				flush(pa)
			}
		}
		flush(int32(bm.cfg.PagesPerBlock))
		if bestLen >= minCount {
			if bestLen > maxCount {
				bestLen = maxCount
			}
			return Address{Block: ba, Page: bestPA}, bestLen, true, nil
		}
		return Address{}, 0, false, nil
	}

	var order []int32
	switch policy {
	case WearPolicyLeastWorn:
		order = append(order, leastWorn...)
	case WearPolicySpecificBlock:
		order = []int32{pinnedBlock}
	default:
		for ba := int32(bm.cfg.BlockReservedNum); ba < int32(bm.cfg.BlockNumAll); ba++ {
			if blockOfType(bm.cfg, ba, blockType, mgmtBlocks, primaryStart, secondaryStart) {
				order = append(order, ba)
			}
		}
	}

	for _, ba := range order {
		if blockType == BlockData && !blockOfType(bm.cfg, ba, BlockData, mgmtBlocks, primaryStart, secondaryStart) {
			continue
		}
		addr, n, ok, err := tryBlock(ba)
		if err != nil {
			return Address{}, 0, err
		}
		if ok {
			return addr, n, nil
		}
	}
	return Address{}, 0, NewError(StatusNoMoreSpace)
}

// pageStats aggregates bitmap state, generalizing §4.2's get_pages.
type pageStats struct {
	Free, Used, ToBeReleased int
}

// scan walks every tracked page and accumulates pageStats, optionally
// restricted to a single block (ba >= 0) for FS.GetBlockPageStats.
func (bm *bitmap) scan(ba int32) (pageStats, error) {
	var st pageStats
	blocks := []int32{ba}
	if ba < 0 {
		blocks = blocks[:0]
		for b := int32(bm.cfg.BlockReservedNum); b < int32(bm.cfg.BlockNumAll); b++ {
			blocks = append(blocks, b)
		}
	}
	for _, b := range blocks {
		for pa := int32(0); pa < int32(bm.cfg.PagesPerBlock); pa++ {
			f, r, err := bm.readBits(b, pa)
			if err != nil {
				return st, err
			}
			switch {
			case f:
				st.Free++
			case !r:
				st.ToBeReleased++
			default:
				st.Used++
			}
		}
	}
	return st, nil
}

// freeSpace returns the number of bytes currently free, optionally
// counting to-be-released pages as free per Config.CalcTBRInFreeSpace.
func (bm *bitmap) freeSpace() (int, error) {
	st, err := bm.scan(-1)
	if err != nil {
		return 0, err
	}
	pages := st.Free
	if bm.cfg.CalcTBRInFreeSpace {
		pages += st.ToBeReleased
	}
	return pages * bm.cfg.PageSize, nil
}

// toBeReleasedSpace returns the number of bytes currently to-be-released.
func (bm *bitmap) toBeReleasedSpace() (int, error) {
	st, err := bm.scan(-1)
	if err != nil {
		return 0, err
	}
	return st.ToBeReleased * bm.cfg.PageSize, nil
}

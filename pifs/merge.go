package pifs

// merge reclaims to-be-released space and rotates the management area, per
// §4.7:
//
//  1. relocate every live page sharing a DATA block with a to-be-released
//     page, then erase that block (NOR can only reclaim at block
//     granularity, so a garbage page can't be freed without either
//     emptying or erasing its whole block);
//  2. fold every block's wear_bits latch into its running counter;
//  3. rebuild the entry list, free-space bitmap, delta map and wear-level
//     list compacted into the currently-blank secondary management area;
//  4. write the new header there with a strictly larger counter and swap
//     primary/secondary roles;
//  5. erase the now-stale former primary area.
//
// Spec §4.7 step 3 describes a device where no page starts out
// to-be-released; this implementation resolves that case (unavoidable once
// deltas and deletes accumulate) with the relocate-then-erase step above.
func (fs *FS) merge() error {
	if fs.isMerging {
		return NewError(StatusGeneral)
	}
	fs.isMerging = true
	defer func() { fs.isMerging = false }()
	fs.log.merge.Info("merge begin")

	erased, err := fs.compactGarbageBlocks()
	if err != nil {
		return err
	}
	if err := fs.wearList.fold(); err != nil {
		return err
	}

	newHeader, err := fs.buildSecondaryArea(erased)
	if err != nil {
		return err
	}
	if err := fs.writeHeaderPage(fs.secondaryStart, newHeader); err != nil {
		return err
	}

	oldPrimary := fs.primaryStart
	fs.primaryStart, fs.secondaryStart = fs.secondaryStart, oldPrimary
	fs.header = newHeader
	fs.wireComponents()
	if err := fs.deltas.rebuild(); err != nil {
		return err
	}

	if err := fs.eraseManagementArea(oldPrimary); err != nil {
		return err
	}
	fs.log.merge.WithField("counter", newHeader.Counter).Info("merge complete")
	return nil
}

// compactGarbageBlocks erases every DATA block that currently holds at
// least one to-be-released page, relocating any still-live pages out of it
// first. It returns the set of blocks it erased, since their stale
// "used"/"to-be-released" bitmap bits in the about-to-be-retired management
// area must not be copied into the freshly built one.
func (fs *FS) compactGarbageBlocks() (map[int32]bool, error) {
	erased := map[int32]bool{}
	mgmt := fs.mgmtBlockRange()
	for ba := int32(fs.cfg.BlockReservedNum); ba < int32(fs.cfg.BlockNumAll); ba++ {
		if !blockOfType(fs.cfg, ba, BlockData, mgmt, fs.primaryStart, fs.secondaryStart) {
			continue
		}
		stats, err := fs.fsbm.scan(ba)
		if err != nil {
			return nil, err
		}
		if stats.ToBeReleased == 0 {
			continue
		}
		if err := fs.relocateLivePages(ba); err != nil {
			return nil, err
		}
		if err := fs.cache.erase(ba); err != nil {
			return nil, err
		}
		if err := fs.wearList.incWear(ba); err != nil {
			return nil, err
		}
		erased[ba] = true
		fs.log.merge.WithField("block", ba).Debug("compacted garbage block")
	}
	return erased, nil
}

// relocateLivePages moves every still-live page out of ba into a free page
// elsewhere, rewriting the owning file's map chain to point at the new
// location.
func (fs *FS) relocateLivePages(ba int32) error {
	for pa := int32(0); pa < int32(fs.cfg.PagesPerBlock); pa++ {
		free, err := fs.fsbm.isPageFree(ba, pa)
		if err != nil {
			return err
		}
		if free {
			continue
		}
		tbr, err := fs.fsbm.isPageToBeReleased(ba, pa)
		if err != nil {
			return err
		}
		if tbr {
			continue
		}
		if err := fs.relocatePage(ba, pa); err != nil {
			return err
		}
	}
	return nil
}

// relocatePage copies the content of live page (ba, pa) to a freshly
// allocated page outside ba and retargets its owning extent to the new
// location.
func (fs *FS) relocatePage(ba, pa int32) error {
	full := make([]byte, fs.cfg.PageSize)
	if err := fs.cache.read(ba, pa, 0, full, fs.cfg.PageSize); err != nil {
		return err
	}

	var target Address
	for attempt := 0; attempt < 3; attempt++ {
		addr, _, err := fs.allocator.allocate(1, 1, BlockData, WearPolicyLinear, nil, -1, fs.mgmtBlockRange(), fs.primaryStart, fs.secondaryStart)
		if err != nil {
			return err
		}
		if addr.Block != ba {
			target = addr
			break
		}
		target = addr // last resort: accept even if it lands back in ba
	}

	if err := fs.cache.write(target.Block, target.Page, 0, full, fs.cfg.PageSize); err != nil {
		return err
	}

	owner, firstMap, found, err := fs.findOwnerOfPage(ba, pa)
	if err != nil {
		return err
	}
	if !found {
		// Page is live in the bitmap but unreferenced by any file; treat
		// it as already reclaimable rather than failing the whole merge.
		return fs.fsbm.markPage(ba, pa, 1, false, true)
	}
	changed, err := fs.mapChain.relocateExtent(firstMap, Address{Block: ba, Page: pa}, target)
	if err != nil {
		return err
	}
	if !changed {
		return Wrap(StatusGeneral, nil, "page (%d,%d) claimed live by entry %q but absent from its map chain", ba, pa, owner.Name)
	}
	return fs.fsbm.markPage(ba, pa, 1, false, true)
}

// findOwnerOfPage scans every live entry's map chain for one referencing
// (ba, pa). The entry list is small by construction (§3), so a linear scan
// per relocated page is acceptable.
func (fs *FS) findOwnerOfPage(ba, pa int32) (Entry, Address, bool, error) {
	entries, err := fs.entries.all()
	if err != nil {
		return Entry{}, Address{}, false, err
	}
	target := Address{Block: ba, Page: pa}
	for _, e := range entries {
		if !e.FirstMapAddress.Valid(fs.cfg) {
			continue
		}
		c, err := fs.mapChain.newCursor(e.FirstMapAddress)
		if err != nil {
			return Entry{}, Address{}, false, err
		}
		for {
			addr, ok := c.currentAddress()
			if !ok {
				break
			}
			if addr.Equal(target) {
				return e, e.FirstMapAddress, true, nil
			}
			eof, err := fs.mapChain.advancePage(c)
			if err != nil {
				return Entry{}, Address{}, false, err
			}
			if eof {
				break
			}
		}
	}
	return Entry{}, Address{}, false, nil
}

// advancePages returns the address n logical pages after a, wrapping into
// following blocks at the configured pages-per-block boundary. Used only
// for laying out a management area's internal structures, which are
// always sized to fit within it.
func advancePages(cfg Config, a Address, n int) Address {
	p := int(a.Page) + n
	b := a.Block + int32(p/cfg.PagesPerBlock)
	p = p % cfg.PagesPerBlock
	return Address{Block: b, Page: int32(p)}
}

func mgmtBlockRangeFor(cfg Config, primary, secondary int32) []int32 {
	var out []int32
	for i := 0; i < cfg.ManagementBlocks; i++ {
		out = append(out, primary+int32(i), secondary+int32(i))
	}
	return out
}

// buildSecondaryArea lays out a fresh header, entry list, free-space
// bitmap, delta map and wear-level list into the currently-blank secondary
// management area, compacting deleted entries and pre-applied deltas away
// in the process, per §4.7 steps 3-4. erasedBlocks lists DATA blocks this
// merge just erased via compactGarbageBlocks, which must be recorded as
// fully free rather than copied from the (stale, pre-compaction) bitmap.
func (fs *FS) buildSecondaryArea(erasedBlocks map[int32]bool) (*Header, error) {
	cfg := fs.cfg
	newPrimary := fs.secondaryStart
	newSecondary := fs.primaryStart

	headerAddr := Address{Block: newPrimary, Page: 0}
	cursor := advancePages(cfg, headerAddr, 1)

	entryAddr := cursor
	newEL := newEntryList(cfg, fs.cache, entryAddr, fs.log.file)
	cursor = advancePages(cfg, entryAddr, newEL.pageCount())

	fsbmAddr := cursor
	newBM := newBitmap(cfg, fs.cache, fsbmAddr, fs.log.fsbm)
	cursor = advancePages(cfg, fsbmAddr, newBM.pageCount())

	deltaAddr := cursor
	cursor = advancePages(cfg, deltaAddr, cfg.DeltaMapPageNum)

	wearAddr := cursor
	newWL := newWearLevelList(cfg, fs.cache, wearAddr, fs.log.wearLevel)
	structEnd := advancePages(cfg, wearAddr, newWL.pageCount())

	live, err := fs.entries.all()
	if err != nil {
		return nil, err
	}

	for ba := int32(cfg.BlockReservedNum); ba < int32(cfg.BlockNumAll); ba++ {
		counter, bits, err := fs.wearList.readEntry(ba)
		if err != nil {
			return nil, err
		}
		if err := newWL.writeEntry(ba, counter, bits); err != nil {
			return nil, err
		}
	}

	if err := markRangeUsed(newBM, cfg, headerAddr, structEnd); err != nil {
		return nil, err
	}

	// The old primary management block — which holds every live file's map
	// pages, not just the header/entries/fsbm/delta/wear structures laid
	// out above — is erased once this merge finishes (it becomes the new
	// secondary area). A file's extents themselves (DATA-block addresses)
	// survive via the bitmap carry-over below, but the map pages that
	// record them do not, so each live file's chain must be rebuilt fresh
	// here, allocating its map pages out of the new primary area instead.
	newMgmt := mgmtBlockRangeFor(cfg, newPrimary, newSecondary)
	relocAlloc := &mgmtAreaAllocator{al: newAllocator(cfg, newBM), mgmtBlocks: newMgmt, primaryStart: newPrimary, secondaryStart: newSecondary}
	newMC := newMapChain(cfg, fs.cache, fs.log.file)
	for i := range live {
		e := &live[i]
		if !e.FirstMapAddress.Valid(cfg) {
			continue
		}
		newFirst := Address{Block: -1, Page: -1}
		addr := e.FirstMapAddress
		for addr.Valid(cfg) {
			page, err := fs.mapChain.readPage(addr)
			if err != nil {
				return nil, err
			}
			for _, ext := range page.Extents {
				newFirst, err = newMC.extendChain(relocAlloc, newFirst, ext.Address, ext.PageCount)
				if err != nil {
					return nil, err
				}
			}
			addr = page.Next
		}
		e.FirstMapAddress = newFirst
	}

	for _, e := range live {
		if err := newEL.appendEntry(e); err != nil {
			return nil, err
		}
	}

	for ba := int32(cfg.BlockReservedNum); ba < int32(cfg.BlockNumAll); ba++ {
		if !blockOfType(cfg, ba, BlockData, newMgmt, newPrimary, newSecondary) {
			continue
		}
		if erasedBlocks[ba] {
			continue // already free in a freshly erased area
		}
		for pa := int32(0); pa < int32(cfg.PagesPerBlock); pa++ {
			f, r, err := fs.fsbm.readBits(ba, pa)
			if err != nil {
				return nil, err
			}
			if !f {
				if err := newBM.writeBits(ba, pa, false, r); err != nil {
					return nil, err
				}
			}
		}
	}

	var dataBlocks []int32
	for ba := int32(cfg.BlockReservedNum); ba < int32(cfg.BlockNumAll); ba++ {
		if blockOfType(cfg, ba, BlockData, newMgmt, newPrimary, newSecondary) {
			dataBlocks = append(dataBlocks, ba)
		}
	}
	least, most, maxCounter, err := newWL.refreshCaches(dataBlocks)
	if err != nil {
		return nil, err
	}

	return &Header{
		VersionMajor:               fs.header.VersionMajor,
		VersionMinor:               fs.header.VersionMinor,
		Counter:                    fs.header.Counter + 1,
		RootEntryList:              entryAddr,
		FreeSpaceBitmap:            fsbmAddr,
		DeltaMap:                   deltaAddr,
		WearLevelList:              wearAddr,
		ManagementBlockAddress:     newPrimary,
		NextManagementBlockAddress: newSecondary,
		WearLevelCntrMax:           maxCounter,
		LeastWeared:                least,
		MostWeared:                 most,
		EchoBlockNumAll:            int32(cfg.BlockNumAll),
		EchoPagesPerBlock:          int32(cfg.PagesPerBlock),
		EchoPageSize:               int32(cfg.PageSize),
	}, nil
}

// mgmtAreaAllocator adapts an allocator bound to a specific (not-yet-active)
// management area so mapChain.extendChain can allocate fresh map pages
// there during buildSecondaryArea, before that area's addresses are wired
// into fs as the live primary/secondary split.
type mgmtAreaAllocator struct {
	al                          *allocator
	mgmtBlocks                  []int32
	primaryStart, secondaryStart int32
}

func (a *mgmtAreaAllocator) Allocate(minCount, maxCount int, blockType BlockType, policy WearPolicy) (Address, int, error) {
	return a.al.allocate(minCount, maxCount, blockType, policy, nil, -1, a.mgmtBlocks, a.primaryStart, a.secondaryStart)
}

// markRangeUsed marks every logical page from start (inclusive) to end
// (exclusive) as used in bm, for a management area's own structural pages.
func markRangeUsed(bm *bitmap, cfg Config, start, end Address) error {
	addr := start
	for addr.Block != end.Block || addr.Page != end.Page {
		if err := bm.writeBits(addr.Block, addr.Page, false, true); err != nil {
			return err
		}
		addr = advancePages(cfg, addr, 1)
	}
	return nil
}

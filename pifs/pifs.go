package pifs

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// TaskID identifies a calling task for the purposes of per-task state (its
// current working directory), per §5. The zero value is a valid,
// always-present default task.
type TaskID int

// taskState is the small per-task record §5 describes ("a separate
// current-working-directory string ... indexed by a small task-id table").
type taskState struct {
	cwd string
}

// FS is the single shared filesystem context: header, caches, handle
// arrays, and working buffers, all mutated only under mu (§5, Design
// Note 9 — "kept as a single explicit context object threaded through the
// core", never package-level state).
type FS struct {
	mu sync.Mutex

	cfg   Config
	flash Flash
	log   loggers

	cache     *pageCache
	header    *Header
	fsbm      *bitmap
	deltas    *deltaMap
	entries   *entryList
	wearList  *wearLevelList
	mapChain  *mapChain
	allocator *allocator

	primaryStart   int32
	secondaryStart int32

	isMerging      bool
	isWearLeveling bool

	// autoStaticCountdown is AutoStaticWearLevel's operation counter
	// (§4.8's "periodic hook decrementing a countdown"), reloaded from
	// Config.AutoStaticWearLevelOpCount each time it reaches zero.
	autoStaticCountdown int

	files []*File
	dirs  []*Dir

	tasks map[TaskID]*taskState
}

// New mounts an already-formatted filesystem image on flash, choosing the
// management area with the highest valid header counter, per invariant 4
// (§8) and the crash-safety note in §4.7.
func New(flash Flash, cfg Config, logger *logrus.Logger) (*FS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := flash.Init(); err != nil {
		return nil, Wrap(StatusFlashInit, err, "flash init")
	}
	fs := &FS{cfg: cfg, flash: flash, log: newLoggers(logger), tasks: map[TaskID]*taskState{0: {cwd: "/"}}, autoStaticCountdown: cfg.AutoStaticWearLevelOpCount}
	fs.cache = newPageCache(cfg, flash, fs.log.cache)

	slotA := int32(cfg.BlockReservedNum)
	slotB := slotA + int32(cfg.ManagementBlocks)

	ha, errA := fs.readHeaderAt(slotA)
	hb, errB := fs.readHeaderAt(slotB)

	switch {
	case errA == nil && errB == nil:
		if ha.Counter >= hb.Counter {
			fs.adoptHeader(ha, slotA, slotB)
		} else {
			fs.adoptHeader(hb, slotB, slotA)
		}
		// A crash between merge step 7 and step 8 leaves both areas
		// valid; the loser must still be erased before proceeding.
		loser := slotB
		if ha.Counter < hb.Counter {
			loser = slotA
		}
		// The wear list must be wired before the erase can count it.
		fs.wireComponents()
		if err := fs.eraseManagementArea(loser); err != nil {
			return nil, err
		}
	case errA == nil:
		fs.adoptHeader(ha, slotA, slotB)
	case errB == nil:
		fs.adoptHeader(hb, slotB, slotA)
	default:
		return nil, Wrap(StatusGeneral, errA, "no valid management area found; call Format first")
	}

	fs.wireComponents()
	if err := fs.deltas.rebuild(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Format erases the entire device and lays down a fresh, empty filesystem
// in the primary management area, leaving the secondary area blank and
// ready for the first merge, per §6.
func Format(flash Flash, cfg Config, logger *logrus.Logger) (*FS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := flash.Init(); err != nil {
		return nil, Wrap(StatusFlashInit, err, "flash init")
	}
	fs := &FS{cfg: cfg, flash: flash, log: newLoggers(logger), tasks: map[TaskID]*taskState{0: {cwd: "/"}}, autoStaticCountdown: cfg.AutoStaticWearLevelOpCount}
	fs.cache = newPageCache(cfg, flash, fs.log.cache)

	for ba := int32(0); ba < int32(cfg.BlockNumAll); ba++ {
		if err := fs.cache.erase(ba); err != nil {
			return nil, err
		}
	}

	slotA := int32(cfg.BlockReservedNum)
	slotB := slotA + int32(cfg.ManagementBlocks)
	fs.primaryStart, fs.secondaryStart = slotA, slotB

	headerAddr := Address{Block: slotA, Page: 0}
	cursor := advancePages(cfg, headerAddr, 1)

	entryAddr := cursor
	tmpEL := newEntryList(cfg, fs.cache, entryAddr, fs.log.file)
	cursor = advancePages(cfg, entryAddr, tmpEL.pageCount())

	fsbmAddr := cursor
	tmpBM := newBitmap(cfg, fs.cache, fsbmAddr, fs.log.fsbm)
	cursor = advancePages(cfg, fsbmAddr, tmpBM.pageCount())

	deltaAddr := cursor
	cursor = advancePages(cfg, deltaAddr, cfg.DeltaMapPageNum)

	wearAddr := cursor
	tmpWL := newWearLevelList(cfg, fs.cache, wearAddr, fs.log.wearLevel)
	structEnd := advancePages(cfg, wearAddr, tmpWL.pageCount())

	fs.header = &Header{
		VersionMajor: 1, VersionMinor: 0,
		RootEntryList: entryAddr, FreeSpaceBitmap: fsbmAddr,
		DeltaMap: deltaAddr, WearLevelList: wearAddr,
		ManagementBlockAddress: slotA, NextManagementBlockAddress: slotB,
		EchoBlockNumAll: int32(cfg.BlockNumAll), EchoPagesPerBlock: int32(cfg.PagesPerBlock), EchoPageSize: int32(cfg.PageSize),
	}
	fs.wireComponents()

	if err := markRangeUsed(fs.fsbm, cfg, headerAddr, structEnd); err != nil {
		return nil, err
	}
	for ba := int32(cfg.BlockReservedNum); ba < int32(cfg.BlockNumAll); ba++ {
		if err := tmpWL.writeEntry(ba, 0, cfg.FlashErasedValue); err != nil {
			return nil, err
		}
	}

	var dataBlocks []int32
	mgmt := mgmtBlockRangeFor(cfg, slotA, slotB)
	for ba := int32(cfg.BlockReservedNum); ba < int32(cfg.BlockNumAll); ba++ {
		if blockOfType(cfg, ba, BlockData, mgmt, slotA, slotB) {
			dataBlocks = append(dataBlocks, ba)
		}
	}
	least, most, maxCounter, err := tmpWL.refreshCaches(dataBlocks)
	if err != nil {
		return nil, err
	}
	fs.header.LeastWeared, fs.header.MostWeared, fs.header.WearLevelCntrMax = least, most, maxCounter

	if err := fs.writeHeaderPage(slotA, fs.header); err != nil {
		return nil, err
	}
	if err := fs.cache.flush(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) writeHeaderPage(block int32, h *Header) error {
	buf, err := h.Marshal(fs.cfg)
	if err != nil {
		return err
	}
	return fs.cache.write(block, 0, 0, buf, fs.cfg.PageSize)
}

func (fs *FS) readHeaderAt(block int32) (*Header, error) {
	buf := make([]byte, fs.cfg.PageSize)
	if err := fs.flash.Read(block, 0, 0, buf, fs.cfg.PageSize); err != nil {
		return nil, Wrap(StatusFlashRead, err, "read header at block %d", block)
	}
	return UnmarshalHeader(fs.cfg, buf)
}

func (fs *FS) adoptHeader(h *Header, primary, secondary int32) {
	fs.header = h
	fs.primaryStart = primary
	fs.secondaryStart = secondary
}

func (fs *FS) wireComponents() {
	cfg := fs.cfg
	fs.fsbm = newBitmap(cfg, fs.cache, fs.header.FreeSpaceBitmap, fs.log.fsbm)
	fs.deltas = newDeltaMap(cfg, fs.cache, fs.header.DeltaMap, fs.log.deltaMap)
	fs.entries = newEntryList(cfg, fs.cache, fs.header.RootEntryList, fs.log.file)
	fs.wearList = newWearLevelList(cfg, fs.cache, fs.header.WearLevelList, fs.log.wearLevel)
	fs.mapChain = newMapChain(cfg, fs.cache, fs.log.file)
	fs.allocator = newAllocator(cfg, fs.fsbm)
}

// mgmtBlockRange lists the block indices belonging to both management
// areas, for BlockType classification.
func (fs *FS) mgmtBlockRange() []int32 {
	var out []int32
	for i := 0; i < fs.cfg.ManagementBlocks; i++ {
		out = append(out, fs.primaryStart+int32(i), fs.secondaryStart+int32(i))
	}
	return out
}

// Allocate implements pageAllocator for the rest of the package: it calls
// the low-level allocator and, on StatusNoMoreSpace, triggers exactly one
// merge-and-retry, per §4.5 step 3.
func (fs *FS) Allocate(minCount, maxCount int, blockType BlockType, policy WearPolicy) (Address, int, error) {
	return fs.allocateWithBlock(minCount, maxCount, blockType, policy, -1)
}

func (fs *FS) allocateWithBlock(minCount, maxCount int, blockType BlockType, policy WearPolicy, pinnedBlock int32) (Address, int, error) {
	var least []int32
	for _, e := range fs.header.LeastWeared {
		least = append(least, e.BlockAddress)
	}
	addr, n, err := fs.allocator.allocate(minCount, maxCount, blockType, policy, least, pinnedBlock, fs.mgmtBlockRange(), fs.primaryStart, fs.secondaryStart)
	if err == nil {
		return addr, n, nil
	}
	if StatusOf(err) != StatusNoMoreSpace || fs.isMerging {
		return Address{}, 0, err
	}
	if mergeErr := fs.merge(); mergeErr != nil {
		return Address{}, 0, mergeErr
	}
	addr, n, err = fs.allocator.allocate(minCount, maxCount, blockType, policy, least, pinnedBlock, fs.mgmtBlockRange(), fs.primaryStart, fs.secondaryStart)
	return addr, n, err
}

// writeDeltaWithMerge calls deltaMap.writeDelta and, on StatusNoMoreDeltaEntry,
// triggers exactly one merge-and-retry (§4.7 "triggered when: ... delta map
// full", §7's "delta-map exhaustion caught one level up"), mirroring
// Allocate's StatusNoMoreSpace handling above: merge() rebuilds the delta
// map via deltas.rebuild(), which resets its entry count to zero, so the
// retry has room.
func (fs *FS) writeDeltaWithMerge(addr Address, offset int, patch []byte, count int) error {
	err := fs.deltas.writeDelta(fs, fs.fsbm, addr.Block, addr.Page, offset, patch, count)
	if err == nil {
		return nil
	}
	if StatusOf(err) != StatusNoMoreDeltaEntry || fs.isMerging {
		return err
	}
	if mergeErr := fs.merge(); mergeErr != nil {
		return mergeErr
	}
	return fs.deltas.writeDelta(fs, fs.fsbm, addr.Block, addr.Page, offset, patch, count)
}

// eraseManagementArea erases every block of the management area starting
// at block, bumping each block's wear counter.
func (fs *FS) eraseManagementArea(block int32) error {
	for i := 0; i < fs.cfg.ManagementBlocks; i++ {
		ba := block + int32(i)
		if err := fs.cache.erase(ba); err != nil {
			return err
		}
		if err := fs.wearList.incWear(ba); err != nil {
			return err
		}
	}
	return nil
}

// GetFreeSpace returns the number of bytes currently free, per §6's
// outward filesystem-level API.
func (fs *FS) GetFreeSpace() (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fsbm.freeSpace()
}

// GetToBeReleasedSpace returns the number of bytes currently marked
// to-be-released.
func (fs *FS) GetToBeReleasedSpace() (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fsbm.toBeReleasedSpace()
}

// PageStats generalizes §4.2's get_pages: free/used/to-be-released page
// counts, aggregated across the whole device.
func (fs *FS) PageStats() (pageStats, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fsbm.scan(-1)
}

// GetBlockPageStats returns pageStats restricted to one block, generalizing
// §4.2's get_pages per-block mode.
func (fs *FS) GetBlockPageStats(ba int32) (pageStats, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fsbm.scan(ba)
}

// Check runs a read-only consistency pass over every live entry's map
// chain: each referenced page must be marked used (not free) in the
// bitmap, and no page may be referenced by more than one chain. It is the
// filesystem-level supplement to the original's offline checking tools,
// adapted here as a callable operation rather than a standalone utility.
func (fs *FS) Check() ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := fs.entries.all()
	if err != nil {
		return nil, err
	}
	var problems []string
	seen := map[Address]string{}
	for _, e := range entries {
		if !e.FirstMapAddress.Valid(fs.cfg) {
			continue
		}
		c, err := fs.mapChain.newCursor(e.FirstMapAddress)
		if err != nil {
			return nil, err
		}
		for {
			addr, ok := c.currentAddress()
			if !ok {
				break
			}
			if owner, dup := seen[addr]; dup {
				problems = append(problems, fmt.Sprintf("page (%d,%d) referenced by both %q and %q", addr.Block, addr.Page, owner, e.Name))
			}
			seen[addr] = e.Name
			free, err := fs.fsbm.isPageFree(addr.Block, addr.Page)
			if err != nil {
				return nil, err
			}
			if free {
				problems = append(problems, fmt.Sprintf("entry %q references free page (%d,%d)", e.Name, addr.Block, addr.Page))
			}
			eof, err := fs.mapChain.advancePage(c)
			if err != nil {
				return nil, err
			}
			if eof {
				break
			}
		}
	}
	return problems, nil
}

// Copy streams srcName's content into a newly created dstName.
func (fs *FS) Copy(srcName, dstName string) error {
	src, err := fs.Open(srcName, "r")
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := fs.Open(dstName, "wx")
	if err != nil {
		return err
	}
	defer dst.Close()

	buf := make([]byte, fs.cfg.PageSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if IsEOF(rerr) {
				return nil
			}
			return rerr
		}
	}
}

// Delete flushes the page cache and releases the underlying flash driver's
// resources. It does not erase device contents.
func (fs *FS) Delete() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.cache.flush(); err != nil {
		return err
	}
	return fs.flash.Delete()
}

func (fs *FS) taskState(id TaskID) *taskState {
	t, ok := fs.tasks[id]
	if !ok {
		t = &taskState{cwd: "/"}
		fs.tasks[id] = t
	}
	return t
}

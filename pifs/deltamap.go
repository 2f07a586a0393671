package pifs

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// pageAllocator is the narrow view of the allocator that the delta map
// needs to find a fresh page for a "rewrite" (§4.3). Defined here rather
// than depended on directly to keep deltaMap's construction order
// independent of allocator's.
type pageAllocator interface {
	Allocate(minCount, maxCount int, blockType BlockType, policy WearPolicy) (Address, int, error)
}

// deltaEntrySize is the on-flash width of one (original, delta, checksum)
// record.
func deltaEntrySize(cfg Config) int { return addressSize*2 + cfg.ChecksumSize }

// deltaMap is the small fixed-count set of logical pages storing
// (original_address, delta_address, checksum) redirections that let a data
// page be "rewritten" without erasing its block (§3, §4.3). New entries
// append; the most recent entry matching an address wins.
type deltaMap struct {
	cfg       Config
	cache     *pageCache
	firstAddr Address
	log       *logrus.Entry

	entriesPerPage int
	totalSlots     int
	count          int // number of valid entries appended so far

	mirror *lru.Cache[Address, Address] // original -> most recent delta address
}

func newDeltaMap(cfg Config, cache *pageCache, firstAddr Address, log *logrus.Entry) *deltaMap {
	entrySize := deltaEntrySize(cfg)
	perPage := cfg.PageSize / entrySize
	total := perPage * cfg.DeltaMapPageNum
	m, _ := lru.New[Address, Address](total)
	return &deltaMap{
		cfg: cfg, cache: cache, firstAddr: firstAddr, log: log,
		entriesPerPage: perPage, totalSlots: total, mirror: m,
	}
}

// slot returns the (page address, offset within page) of delta-map slot i.
func (dm *deltaMap) slot(i int) (Address, int) {
	entrySize := deltaEntrySize(dm.cfg)
	page := i / dm.entriesPerPage
	offset := (i % dm.entriesPerPage) * entrySize
	return Address{Block: dm.firstAddr.Block, Page: dm.firstAddr.Page + int32(page)}, offset
}

func (dm *deltaMap) encodeEntry(original, delta Address) []byte {
	entrySize := deltaEntrySize(dm.cfg)
	buf := make([]byte, entrySize)
	putAddress(buf[0:addressSize], original)
	putAddress(buf[addressSize:2*addressSize], delta)
	sum := checksum(dm.cfg, buf[:2*addressSize])
	putChecksum(dm.cfg.ChecksumSize, buf[2*addressSize:], sum)
	return buf
}

func (dm *deltaMap) decodeEntry(buf []byte) (original, delta Address, valid bool) {
	entrySize := deltaEntrySize(dm.cfg)
	if isBufferErased(dm.cfg, buf[:entrySize]) {
		return Address{}, Address{}, false
	}
	original = getAddress(buf[0:addressSize])
	delta = getAddress(buf[addressSize : 2*addressSize])
	want := getChecksum(dm.cfg.ChecksumSize, buf[2*addressSize:])
	got := checksum(dm.cfg, buf[:2*addressSize])
	if want != got {
		// Invalid entries are ignored, per §4.3, not treated as fatal:
		// only a map-chain or header checksum failure is INTEGRITY.
		return Address{}, Address{}, false
	}
	return original, delta, true
}

// rebuild scans every delta-map slot from scratch and repopulates the LRU
// mirror, per Design Note 9 ("rebuilt lazily on first reference after a
// merge"). It also recomputes dm.count so writeDelta knows the next free
// slot.
func (dm *deltaMap) rebuild() error {
	dm.mirror.Purge()
	dm.count = 0
	entrySize := deltaEntrySize(dm.cfg)
	buf := make([]byte, entrySize)
	for i := 0; i < dm.totalSlots; i++ {
		addr, off := dm.slot(i)
		if err := dm.cache.read(addr.Block, addr.Page, off, buf, entrySize); err != nil {
			return err
		}
		original, delta, valid := dm.decodeEntry(buf)
		if !valid {
			if isBufferErased(dm.cfg, buf) {
				break // erased tail: end of appended entries
			}
			continue // corrupt entry, skip and keep scanning
		}
		dm.mirror.Add(original, delta)
		dm.count = i + 1
	}
	dm.log.WithField("entries", dm.count).Debug("delta map rebuilt")
	return nil
}

// resolve returns the most recent address (ba, pa) redirects to, or (ba,
// pa) itself if there is no entry.
func (dm *deltaMap) resolve(ba, pa int32) Address {
	orig := Address{Block: ba, Page: pa}
	if d, ok := dm.mirror.Get(orig); ok {
		return d
	}
	return orig
}

// readDelta resolves (ba, pa) through the delta map and reads n bytes at
// offset into buf, per §4.3.
func (dm *deltaMap) readDelta(ba, pa int32, offset int, buf []byte, n int) error {
	target := dm.resolve(ba, pa)
	return dm.cache.read(target.Block, target.Page, offset, buf, n)
}

// writeDelta "rewrites" logical page (ba, pa) without erasing its block: it
// allocates a fresh page, merges in the new bytes, appends a delta entry,
// and marks the page the delta previously pointed at as to-be-released.
func (dm *deltaMap) writeDelta(alloc pageAllocator, fsbm *bitmap, ba, pa int32, offset int, buf []byte, n int) error {
	if dm.count >= dm.totalSlots {
		return NewError(StatusNoMoreDeltaEntry)
	}
	prev := dm.resolve(ba, pa)

	full := make([]byte, dm.cfg.PageSize)
	if err := dm.cache.read(prev.Block, prev.Page, 0, full, dm.cfg.PageSize); err != nil {
		return err
	}
	copy(full[offset:offset+n], buf[:n])

	newAddr, _, err := alloc.Allocate(1, 1, BlockData, WearPolicyLeastWorn)
	if err != nil {
		return err
	}
	if err := dm.cache.write(newAddr.Block, newAddr.Page, 0, full, dm.cfg.PageSize); err != nil {
		return err
	}

	slotAddr, slotOff := dm.slot(dm.count)
	entry := dm.encodeEntry(Address{Block: ba, Page: pa}, newAddr)
	if err := dm.cache.write(slotAddr.Block, slotAddr.Page, slotOff, entry, len(entry)); err != nil {
		return err
	}
	dm.mirror.Add(Address{Block: ba, Page: pa}, newAddr)
	dm.count++

	if err := fsbm.markPage(prev.Block, prev.Page, 1, false, true); err != nil {
		return err
	}
	dm.log.WithFields(logrus.Fields{"orig_block": ba, "orig_page": pa, "new_block": newAddr.Block, "new_page": newAddr.Page}).Debug("write delta")
	return nil
}

// full reports whether the delta map has no free slot left for a new entry.
func (dm *deltaMap) full() bool { return dm.count >= dm.totalSlots }

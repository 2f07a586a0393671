package pifs

import (
	"encoding/binary"
	"math/bits"
	"sort"

	"github.com/sirupsen/logrus"
)

// wearLevelEntrySize is the on-flash width of one wear-level-list record:
// a 4-byte running counter plus a 1-byte wear_bits increment latch (§3).
const wearLevelEntrySize = 5

// wearLevelList is the per-block erase-count bookkeeping described in §3
// and §4.8. Each block's counter increases by a full merge-time fold;
// between folds, every erase flips the lowest still-erased bit of
// wear_bits, since reprogramming the counter itself would require an
// erase the filesystem cannot yet afford to spend.
type wearLevelList struct {
	cfg       Config
	cache     *pageCache
	firstAddr Address
	log       *logrus.Entry

	perPage     int
	totalBlocks int
}

func newWearLevelList(cfg Config, cache *pageCache, firstAddr Address, log *logrus.Entry) *wearLevelList {
	perPage := cfg.PageSize / wearLevelEntrySize
	total := cfg.BlockNumAll - cfg.BlockReservedNum
	return &wearLevelList{cfg: cfg, cache: cache, firstAddr: firstAddr, log: log, perPage: perPage, totalBlocks: total}
}

func (wl *wearLevelList) blockIndex(ba int32) int { return int(ba) - wl.cfg.BlockReservedNum }

func (wl *wearLevelList) slot(ba int32) (Address, int) {
	i := wl.blockIndex(ba)
	page := i / wl.perPage
	offset := (i % wl.perPage) * wearLevelEntrySize
	return Address{Block: wl.firstAddr.Block, Page: wl.firstAddr.Page + int32(page)}, offset
}

func (wl *wearLevelList) pageCount() int {
	return (wl.totalBlocks + wl.perPage - 1) / wl.perPage
}

func (wl *wearLevelList) readEntry(ba int32) (counter uint32, wearBits uint8, err error) {
	addr, off := wl.slot(ba)
	buf := make([]byte, wearLevelEntrySize)
	if err := wl.cache.read(addr.Block, addr.Page, off, buf, wearLevelEntrySize); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[0:4]), buf[4], nil
}

func (wl *wearLevelList) writeEntry(ba int32, counter uint32, wearBits uint8) error {
	addr, off := wl.slot(ba)
	buf := make([]byte, wearLevelEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], counter)
	buf[4] = wearBits
	return wl.cache.write(addr.Block, addr.Page, off, buf, wearLevelEntrySize)
}

// programmedCount returns how many bits of wearBits have been flipped away
// from the erased polarity, i.e. how many erases this latch has absorbed
// since its last fold into counter.
func (wl *wearLevelList) programmedCount(wearBits uint8) int {
	diff := wearBits ^ wl.cfg.FlashErasedValue
	return bits.OnesCount8(diff)
}

// totalErases returns counter + popcount(programmed bits in wear_bits),
// the total number of times ba has ever been erased (invariant 6, §8).
func (wl *wearLevelList) totalErases(ba int32) (uint32, error) {
	counter, wearBits, err := wl.readEntry(ba)
	if err != nil {
		return 0, err
	}
	return counter + uint32(wl.programmedCount(wearBits)), nil
}

// incWear flips the lowest still-erased bit of ba's wear_bits latch,
// folding it into the counter and resetting the latch first if it was
// already saturated (self-healing the case spec §4.8 expects a merge to
// handle, so a long run of erases between merges never loses a count).
func (wl *wearLevelList) incWear(ba int32) error {
	counter, wearBits, err := wl.readEntry(ba)
	if err != nil {
		return err
	}
	if wl.programmedCount(wearBits) >= 8 {
		counter += 8
		wearBits = wl.cfg.FlashErasedValue
	}
	// Flip the lowest bit still at erased polarity.
	for b := 0; b < 8; b++ {
		erasedBit := (wl.cfg.FlashErasedValue >> uint(b)) & 1
		curBit := (wearBits >> uint(b)) & 1
		if curBit == erasedBit {
			wearBits &^= 1 << uint(b)
			wearBits |= (erasedBit ^ 1) << uint(b)
			break
		}
	}
	if err := wl.writeEntry(ba, counter, wearBits); err != nil {
		return err
	}
	wl.log.WithFields(logrus.Fields{"block": ba, "total": counter + uint32(wl.programmedCount(wearBits))}).Debug("inc wear")
	return nil
}

// fold consolidates every block's wear_bits into its counter, resetting
// wear_bits to the erased pattern, per §4.7 step 5.
func (wl *wearLevelList) fold() error {
	for ba := int32(wl.cfg.BlockReservedNum); ba < int32(wl.cfg.BlockNumAll); ba++ {
		counter, wearBits, err := wl.readEntry(ba)
		if err != nil {
			return err
		}
		counter += uint32(wl.programmedCount(wearBits))
		if err := wl.writeEntry(ba, counter, wl.cfg.FlashErasedValue); err != nil {
			return err
		}
	}
	return nil
}

// refreshCaches recomputes the least/most-worn data-block tables and the
// global wear_level_cntr_max, per §4.7 step 6. dataBlocks lists the block
// indices currently classified as DATA.
func (wl *wearLevelList) refreshCaches(dataBlocks []int32) (least, most []WearBlockEntry, maxCounter uint32, err error) {
	type row struct {
		ba    int32
		total uint32
	}
	rows := make([]row, 0, len(dataBlocks))
	for _, ba := range dataBlocks {
		t, err := wl.totalErases(ba)
		if err != nil {
			return nil, nil, 0, err
		}
		rows = append(rows, row{ba: ba, total: t})
		if t > maxCounter {
			maxCounter = t
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].total < rows[j].total })
	n := wl.cfg.LeastWearedBlockNum
	for i := 0; i < n && i < len(rows); i++ {
		least = append(least, WearBlockEntry{BlockAddress: rows[i].ba, WearCounter: rows[i].total})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].total > rows[j].total })
	for i := 0; i < n && i < len(rows); i++ {
		most = append(most, WearBlockEntry{BlockAddress: rows[i].ba, WearCounter: rows[i].total})
	}
	return least, most, maxCounter, nil
}

// StaticWearLevel implements §4.8's static leveling: dynamic leveling
// already steers new writes toward the least-worn blocks, but a block
// holding data that is never rewritten stays live (and so never erased)
// regardless of how little it has worn. This relocates the coldest
// candidate block's still-live pages elsewhere, freeing it so the ordinary
// least-worn allocation policy picks it up for new writes on its own. It is
// a no-op if the coldest candidate isn't cold enough yet, relative to
// Config.StaticWearLevelLimit/StaticWearLevelPercent, or has nothing live.
func (fs *FS) StaticWearLevel() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.staticWearLevelLocked()
}

// staticWearLevelLocked is StaticWearLevel's body, split out so
// autoStaticWearLevelLocked can invoke it without recursively taking fs.mu.
func (fs *FS) staticWearLevelLocked() error {
	if fs.isWearLeveling || fs.isMerging || len(fs.header.LeastWeared) == 0 {
		return nil
	}
	fs.isWearLeveling = true
	defer func() { fs.isWearLeveling = false }()

	candidate := fs.header.LeastWeared[0]
	gap := fs.header.WearLevelCntrMax - candidate.WearCounter
	percentGap := uint32(0)
	if fs.header.WearLevelCntrMax > 0 {
		percentGap = gap * 100 / fs.header.WearLevelCntrMax
	}
	if int(gap) < fs.cfg.StaticWearLevelLimit && int(percentGap) < fs.cfg.StaticWearLevelPercent {
		return nil
	}

	stats, err := fs.fsbm.scan(candidate.BlockAddress)
	if err != nil {
		return err
	}
	if stats.Used == 0 {
		return nil
	}
	if err := fs.relocateLivePages(candidate.BlockAddress); err != nil {
		return err
	}
	fs.log.wearLevel.WithFields(logrus.Fields{"block": candidate.BlockAddress, "gap": gap}).Info("static relocation")
	return nil
}

// AutoStaticWearLevel is §4.8's periodic hook: it decrements
// Config.AutoStaticWearLevelOpCount's countdown and, once it reaches zero,
// runs one StaticWearLevel pass and reloads the countdown. File.Write calls
// the unlocked form of this after every completed write; it is also
// exported for callers that drive their own operation loop outside the
// file API.
func (fs *FS) AutoStaticWearLevel() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.autoStaticWearLevelLocked()
}

func (fs *FS) autoStaticWearLevelLocked() error {
	if fs.cfg.AutoStaticWearLevelOpCount <= 0 {
		return nil
	}
	fs.autoStaticCountdown--
	if fs.autoStaticCountdown > 0 {
		return nil
	}
	fs.autoStaticCountdown = fs.cfg.AutoStaticWearLevelOpCount
	return fs.staticWearLevelLocked()
}

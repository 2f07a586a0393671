package pifs

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// Extent is one (address, page_count) record inside a map page (§3).
type Extent struct {
	Address   Address
	PageCount uint32
}

// mapPageData is the decoded form of one map page: header (prev/next
// chain pointers) plus its extent array, per §3 and §6.
type mapPageData struct {
	Prev, Next Address
	Extents    []Extent
}

func mapExtentSize(cfg Config) int { return addressSize + cfg.MapPageCountSize }

func mapExtentsPerPage(cfg Config) int {
	headerSize := addressSize*2 + cfg.ChecksumSize
	return (cfg.PageSize - headerSize) / mapExtentSize(cfg)
}

// mapChain reads and writes map pages and walks/extends a file's chain of
// extents, per §4.4.
type mapChain struct {
	cfg   Config
	cache *pageCache
	log   *logrus.Entry
}

func newMapChain(cfg Config, cache *pageCache, log *logrus.Entry) *mapChain {
	return &mapChain{cfg: cfg, cache: cache, log: log}
}

func (mc *mapChain) readPage(addr Address) (*mapPageData, error) {
	headerSize := addressSize*2 + mc.cfg.ChecksumSize
	hdr := make([]byte, headerSize)
	if err := mc.cache.read(addr.Block, addr.Page, 0, hdr, headerSize); err != nil {
		return nil, err
	}
	prev := getAddress(hdr[0:addressSize])
	next := getAddress(hdr[addressSize : 2*addressSize])
	want := getChecksum(mc.cfg.ChecksumSize, hdr[2*addressSize:])
	got := checksum(mc.cfg, hdr[:2*addressSize])
	if want != got {
		return nil, NewError(StatusIntegrity)
	}

	n := mapExtentsPerPage(mc.cfg)
	extSize := mapExtentSize(mc.cfg)
	buf := make([]byte, extSize)
	extents := make([]Extent, 0, n)
	for i := 0; i < n; i++ {
		off := headerSize + i*extSize
		if err := mc.cache.read(addr.Block, addr.Page, off, buf, extSize); err != nil {
			return nil, err
		}
		if isBufferErased(mc.cfg, buf[addressSize:]) {
			break // unused slot: end of this page's extents
		}
		a := getAddress(buf[0:addressSize])
		count := decodeCount(mc.cfg.MapPageCountSize, buf[addressSize:])
		extents = append(extents, Extent{Address: a, PageCount: count})
	}
	return &mapPageData{Prev: prev, Next: next, Extents: extents}, nil
}

func (mc *mapChain) writePage(addr Address, p *mapPageData) error {
	headerSize := addressSize*2 + mc.cfg.ChecksumSize
	hdr := make([]byte, headerSize)
	putAddress(hdr[0:addressSize], p.Prev)
	putAddress(hdr[addressSize:2*addressSize], p.Next)
	sum := checksum(mc.cfg, hdr[:2*addressSize])
	putChecksum(mc.cfg.ChecksumSize, hdr[2*addressSize:], sum)
	if err := mc.cache.write(addr.Block, addr.Page, 0, hdr, headerSize); err != nil {
		return err
	}

	extSize := mapExtentSize(mc.cfg)
	n := mapExtentsPerPage(mc.cfg)
	for i := 0; i < n; i++ {
		off := headerSize + i*extSize
		buf := make([]byte, extSize)
		if i < len(p.Extents) {
			putAddress(buf[0:addressSize], p.Extents[i].Address)
			encodeCount(mc.cfg.MapPageCountSize, buf[addressSize:], p.Extents[i].PageCount)
		} else {
			fillErased(mc.cfg, buf)
		}
		if err := mc.cache.write(addr.Block, addr.Page, off, buf, extSize); err != nil {
			return err
		}
	}
	return nil
}

func decodeCount(width int, buf []byte) uint32 {
	switch width {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	default:
		return binary.LittleEndian.Uint32(buf)
	}
}

func encodeCount(width int, buf []byte, v uint32) {
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	default:
		binary.LittleEndian.PutUint32(buf, v)
	}
}

// cursor tracks a read/write position through a file's map chain, per §4.4.
type cursor struct {
	mapAddr    Address
	page       *mapPageData
	extentIdx  int
	pageInExt  int32 // 0-based offset of the current logical page within extents[extentIdx]
	byteInPage int
}

// newCursor positions a cursor at the start of the chain rooted at first.
func (mc *mapChain) newCursor(first Address) (*cursor, error) {
	if first.Block < 0 {
		return &cursor{mapAddr: first}, nil
	}
	p, err := mc.readPage(first)
	if err != nil {
		return nil, err
	}
	return &cursor{mapAddr: first, page: p}, nil
}

// currentAddress returns the logical address the cursor currently points
// at, and ok=false at end of chain.
func (c *cursor) currentAddress() (Address, bool) {
	if c.page == nil || c.extentIdx >= len(c.page.Extents) {
		return Address{}, false
	}
	ext := c.page.Extents[c.extentIdx]
	return ext.Address.Add(c.pageInExt), true
}

// advancePage moves the cursor forward by one logical page, following
// extent boundaries and, at the end of a map page, its next pointer. It
// reports eof=true once the chain is exhausted.
func (mc *mapChain) advancePage(c *cursor) (eof bool, err error) {
	if c.page == nil {
		return true, nil
	}
	ext := c.page.Extents[c.extentIdx]
	c.pageInExt++
	c.byteInPage = 0
	if c.pageInExt >= int32(ext.PageCount) {
		c.pageInExt = 0
		c.extentIdx++
	}
	if c.extentIdx >= len(c.page.Extents) {
		c.extentIdx = 0
		if c.page.Next.Block < 0 || !c.page.Next.Valid(mc.cfg) {
			return true, nil
		}
		next, err := mc.readPage(c.page.Next)
		if err != nil {
			return false, err
		}
		c.mapAddr = c.page.Next
		c.page = next
		if len(c.page.Extents) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// extendChain appends a new extent of count pages starting at addr to the
// file's map chain, coalescing into the current last extent when addr is
// contiguous with it (§4.4). alloc is used to allocate a fresh map page,
// preferring the management-area block type, when the current map page has
// no free extent slot.
func (mc *mapChain) extendChain(alloc pageAllocator, firstMapAddr Address, addr Address, count uint32) (newFirst Address, err error) {
	maxPerPage := mapExtentsPerPage(mc.cfg)

	if firstMapAddr.Block < 0 || !firstMapAddr.Valid(mc.cfg) {
		mp, err := mc.allocMapPage(alloc)
		if err != nil {
			return Address{}, err
		}
		page := &mapPageData{Prev: Address{Block: -1, Page: -1}, Next: Address{Block: -1, Page: -1}}
		page.Extents = append(page.Extents, Extent{Address: addr, PageCount: count})
		if err := mc.writePage(mp, page); err != nil {
			return Address{}, err
		}
		return mp, nil
	}

	last, err := mc.lastPage(firstMapAddr)
	if err != nil {
		return Address{}, err
	}
	if n := len(last.page.Extents); n > 0 {
		tail := &last.page.Extents[n-1]
		if tail.Address.Block == addr.Block && tail.Address.Page+int32(tail.PageCount) == addr.Page {
			tail.PageCount += count
			if err := mc.writePage(last.addr, last.page); err != nil {
				return Address{}, err
			}
			return firstMapAddr, nil
		}
	}
	if len(last.page.Extents) < maxPerPage {
		last.page.Extents = append(last.page.Extents, Extent{Address: addr, PageCount: count})
		if err := mc.writePage(last.addr, last.page); err != nil {
			return Address{}, err
		}
		return firstMapAddr, nil
	}

	newAddr, err := mc.allocMapPage(alloc)
	if err != nil {
		return Address{}, err
	}
	newPage := &mapPageData{Prev: last.addr, Next: Address{Block: -1, Page: -1}}
	newPage.Extents = append(newPage.Extents, Extent{Address: addr, PageCount: count})
	if err := mc.writePage(newAddr, newPage); err != nil {
		return Address{}, err
	}
	last.page.Next = newAddr
	if err := mc.writePage(last.addr, last.page); err != nil {
		return Address{}, err
	}
	return firstMapAddr, nil
}

func (mc *mapChain) allocMapPage(alloc pageAllocator) (Address, error) {
	addr, _, err := alloc.Allocate(1, 1, BlockPrimaryManagement, WearPolicyLinear)
	return addr, err
}

type locatedPage struct {
	addr Address
	page *mapPageData
}

// relocateExtent walks the chain rooted at first looking for the extent
// that covers old, and if found, splits it around old and substitutes
// newAddr for that single page — used by merge to move a live page out of
// a block being erased (§4.7) without disturbing the rest of the file's
// layout. It reports changed=false if old isn't referenced by this chain.
func (mc *mapChain) relocateExtent(first Address, old, newAddr Address) (changed bool, err error) {
	addr := first
	for addr.Valid(mc.cfg) {
		page, err := mc.readPage(addr)
		if err != nil {
			return false, err
		}
		for i, ext := range page.Extents {
			if ext.Address.Block != old.Block {
				continue
			}
			offset := old.Page - ext.Address.Page
			if offset < 0 || offset >= int32(ext.PageCount) {
				continue
			}
			replacement := make([]Extent, 0, len(page.Extents)+2)
			replacement = append(replacement, page.Extents[:i]...)
			if offset > 0 {
				replacement = append(replacement, Extent{Address: ext.Address, PageCount: uint32(offset)})
			}
			replacement = append(replacement, Extent{Address: newAddr, PageCount: 1})
			if rest := uint32(ext.PageCount) - uint32(offset) - 1; rest > 0 {
				replacement = append(replacement, Extent{Address: ext.Address.Add(offset + 1), PageCount: rest})
			}
			replacement = append(replacement, page.Extents[i+1:]...)
			if len(replacement) > mapExtentsPerPage(mc.cfg) {
				return false, Wrap(StatusNoMoreSpace, nil, "map page has no room to split extent for relocation")
			}
			page.Extents = replacement
			if err := mc.writePage(addr, page); err != nil {
				return false, err
			}
			return true, nil
		}
		addr = page.Next
	}
	return false, nil
}

func (mc *mapChain) lastPage(first Address) (*locatedPage, error) {
	addr := first
	page, err := mc.readPage(addr)
	if err != nil {
		return nil, err
	}
	for page.Next.Valid(mc.cfg) {
		addr = page.Next
		page, err = mc.readPage(addr)
		if err != nil {
			return nil, err
		}
	}
	return &locatedPage{addr: addr, page: page}, nil
}

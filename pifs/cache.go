package pifs

import "github.com/sirupsen/logrus"

// pageCache is a single logical-page write-back buffer sitting in front of
// flash (§4.1). NOR pages are small and hot-path I/O is sequential, so one
// buffer plus write coalescing suffices; there is no per-handle cache.
type pageCache struct {
	cfg   Config
	flash Flash
	log   *logrus.Entry

	addr  Address // address of the cached page; invalid when empty
	valid bool
	dirty bool
	buf   []byte
}

func newPageCache(cfg Config, flash Flash, log *logrus.Entry) *pageCache {
	return &pageCache{cfg: cfg, flash: flash, log: log, buf: make([]byte, cfg.PageSize)}
}

// subPages returns how many physical pages compose one logical page.
func (c *pageCache) subPages() int {
	phys := c.flash.Geometry().PageSize
	if phys <= 0 {
		return 1
	}
	return c.cfg.PageSize / phys
}

// fetch loads the physical sub-pages composing (ba, pa) into c.buf.
func (c *pageCache) fetch(ba, pa int32) error {
	phys := c.flash.Geometry().PageSize
	n := c.subPages()
	for i := 0; i < n; i++ {
		sub := pa + int32(i)
		if err := c.flash.Read(ba, sub, 0, c.buf[i*phys:(i+1)*phys], phys); err != nil {
			return Wrap(StatusFlashRead, err, "cache fetch (%d,%d)", ba, sub)
		}
	}
	return nil
}

// writeBack programs c.buf out to the physical sub-pages composing the
// cached address.
func (c *pageCache) writeBack() error {
	phys := c.flash.Geometry().PageSize
	n := c.subPages()
	for i := 0; i < n; i++ {
		sub := c.addr.Page + int32(i)
		if err := c.flash.Write(c.addr.Block, sub, 0, c.buf[i*phys:(i+1)*phys], phys); err != nil {
			return Wrap(StatusFlashWrite, err, "cache write-back (%d,%d)", c.addr.Block, sub)
		}
	}
	return nil
}

// flush writes back the cached page if dirty and clears the dirty flag.
func (c *pageCache) flush() error {
	if !c.valid || !c.dirty {
		return nil
	}
	if err := c.writeBack(); err != nil {
		return err
	}
	c.dirty = false
	c.log.WithFields(logrus.Fields{"block": c.addr.Block, "page": c.addr.Page}).Debug("flush")
	return nil
}

// read copies n bytes at offset from logical page (ba, pa) into buf.
func (c *pageCache) read(ba, pa int32, offset int, buf []byte, n int) error {
	target := Address{Block: ba, Page: pa}
	if c.valid && c.addr.Equal(target) {
		c.log.WithFields(logrus.Fields{"block": ba, "page": pa}).Debug("read hit")
		copy(buf[:n], c.buf[offset:offset+n])
		return nil
	}
	c.log.WithFields(logrus.Fields{"block": ba, "page": pa}).Debug("read miss")
	if err := c.flush(); err != nil {
		return err
	}
	if err := c.fetch(ba, pa); err != nil {
		return err
	}
	c.addr, c.valid, c.dirty = target, true, false
	copy(buf[:n], c.buf[offset:offset+n])
	return nil
}

// write copies n bytes from buf into logical page (ba, pa) at offset and
// marks the page dirty.
func (c *pageCache) write(ba, pa int32, offset int, buf []byte, n int) error {
	target := Address{Block: ba, Page: pa}
	if c.valid && c.addr.Equal(target) {
		c.log.WithFields(logrus.Fields{"block": ba, "page": pa}).Debug("write hit")
		copy(c.buf[offset:offset+n], buf[:n])
		c.dirty = true
		return nil
	}
	c.log.WithFields(logrus.Fields{"block": ba, "page": pa}).Debug("write miss")
	if err := c.flush(); err != nil {
		return err
	}
	partial := offset != 0 || n != c.cfg.PageSize
	if partial {
		if err := c.fetch(ba, pa); err != nil {
			return err
		}
	}
	c.addr, c.valid = target, true
	copy(c.buf[offset:offset+n], buf[:n])
	c.dirty = true
	return nil
}

// erase calls through to flash and invalidates the cache entry if it
// belonged to ba.
func (c *pageCache) erase(ba int32) error {
	if err := c.flash.Erase(ba); err != nil {
		return Wrap(StatusFlashErase, err, "erase block %d", ba)
	}
	if c.valid && c.addr.Block == ba {
		c.valid, c.dirty = false, false
	}
	return nil
}

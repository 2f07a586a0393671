package pifs

import (
	"bytes"
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// Attribute bits for Entry.Attrib, per §3.
const (
	AttrArchive  uint8 = 1 << 0
	AttrReadOnly uint8 = 1 << 1
	AttrHidden   uint8 = 1 << 2
	AttrSystem   uint8 = 1 << 3
	AttrDir      uint8 = 1 << 4
)

// UserData is the optional small blob carried by every entry when
// Config.EnableUserData is set, mirroring the original's
// pifs_user_data_t{ctime, cdate}.
type UserData struct {
	CreatedAt  uint32
	ModifiedAt uint32
}

// Entry is one directory-entry record (§3, §6): name, attributes, size,
// pointer to the first map page, and optional user data. Entry-list slots
// are append-only; rename is delete+append, never an in-place mutation.
type Entry struct {
	Name            string
	Attrib          uint8
	FileSize        uint32
	FirstMapAddress Address
	UserData        UserData
}

// entrySize returns the on-flash width of one entry record.
func entrySize(cfg Config) int {
	size := cfg.FilenameLenMax + 1 /*attrib*/ + 4 /*file_size*/ + addressSize
	if cfg.EnableUserData {
		size += 8
	}
	return size
}

// entryFindMode selects find_entry's behavior, per §4.6.
type entryFindMode int

const (
	entryFind entryFindMode = iota
	entryDelete
	entryUpdate
)

// entryList is the array of directory entries backing the (currently
// single, flag-gated) root directory (§4.6).
type entryList struct {
	cfg       Config
	cache     *pageCache
	firstAddr Address
	log       *logrus.Entry

	perPage    int
	totalSlots int
}

func newEntryList(cfg Config, cache *pageCache, firstAddr Address, log *logrus.Entry) *entryList {
	size := entrySize(cfg)
	perPage := cfg.PageSize / size
	pages := (cfg.EntryNumMax + perPage - 1) / perPage
	return &entryList{
		cfg: cfg, cache: cache, firstAddr: firstAddr, log: log,
		perPage: perPage, totalSlots: perPage * pages,
	}
}

func (el *entryList) slot(i int) (Address, int) {
	size := entrySize(el.cfg)
	page := i / el.perPage
	offset := (i % el.perPage) * size
	return Address{Block: el.firstAddr.Block, Page: el.firstAddr.Page + int32(page)}, offset
}

func (el *entryList) encode(e Entry) []byte {
	size := entrySize(el.cfg)
	buf := make([]byte, size)
	fillErased(el.cfg, buf)
	name := []byte(e.Name)
	if len(name) > el.cfg.FilenameLenMax {
		name = name[:el.cfg.FilenameLenMax]
	}
	copy(buf[0:len(name)], name)
	// Pad the remainder of the name field with zero, not the erased
	// value, so a short name's first unused byte can't be confused with
	// "slot never used" (all bytes erased) when the name itself happens
	// to be empty.
	for i := len(name); i < el.cfg.FilenameLenMax; i++ {
		buf[i] = 0
	}
	off := el.cfg.FilenameLenMax
	buf[off] = e.Attrib
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], e.FileSize)
	off += 4
	putAddress(buf[off:off+addressSize], e.FirstMapAddress)
	off += addressSize
	if el.cfg.EnableUserData {
		binary.LittleEndian.PutUint32(buf[off:off+4], e.UserData.CreatedAt)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.UserData.ModifiedAt)
	}
	return buf
}

func (el *entryList) decode(buf []byte) (e Entry, state int) {
	// state: 0 = unused (all erased), 1 = deleted, 2 = live
	if isBufferErased(el.cfg, buf[:el.cfg.FilenameLenMax]) {
		return Entry{}, 0
	}
	if buf[0] == el.cfg.FlashProgrammedValue {
		return Entry{}, 1
	}
	nameEnd := bytes.IndexByte(buf[:el.cfg.FilenameLenMax], 0)
	if nameEnd < 0 {
		nameEnd = el.cfg.FilenameLenMax
	}
	e.Name = string(buf[:nameEnd])
	off := el.cfg.FilenameLenMax
	e.Attrib = buf[off]
	off++
	e.FileSize = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	e.FirstMapAddress = getAddress(buf[off : off+addressSize])
	off += addressSize
	if el.cfg.EnableUserData {
		e.UserData.CreatedAt = binary.LittleEndian.Uint32(buf[off : off+4])
		e.UserData.ModifiedAt = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	}
	return e, 2
}

func (el *entryList) read(i int) (Entry, int, error) {
	size := entrySize(el.cfg)
	addr, off := el.slot(i)
	buf := make([]byte, size)
	if err := el.cache.read(addr.Block, addr.Page, off, buf, size); err != nil {
		return Entry{}, 0, err
	}
	e, state := el.decode(buf)
	return e, state, nil
}

func (el *entryList) write(i int, e Entry) error {
	addr, off := el.slot(i)
	buf := el.encode(e)
	return el.cache.write(addr.Block, addr.Page, off, buf, len(buf))
}

// appendEntry finds the first never-used slot and programs e into it, per
// §4.6.
func (el *entryList) appendEntry(e Entry) error {
	for i := 0; i < el.totalSlots; i++ {
		_, state, err := el.read(i)
		if err != nil {
			return err
		}
		if state == 0 {
			if err := el.write(i, e); err != nil {
				return err
			}
			el.log.WithField("name", e.Name).Debug("append entry")
			return nil
		}
	}
	return NewError(StatusNoMoreEntry)
}

// findEntry scans for name and applies mode, per §4.6:
//   - entryFind: returns the first live entry matching name.
//   - entryDelete: marks the matching entry's name[0] and attrib bits
//     programmed, an in-place logical delete.
//   - entryUpdate: replaces the slot's Entry in place (caller supplies the
//     new Entry value) with a direct rewrite, regardless of
//     Config.UseDeltaForEntries; see DESIGN.md for why that flag is not
//     wired here.
func (el *entryList) findEntry(mode entryFindMode, name string, replacement *Entry) (Entry, int, error) {
	for i := 0; i < el.totalSlots; i++ {
		e, state, err := el.read(i)
		if err != nil {
			return Entry{}, -1, err
		}
		if state != 2 || e.Name != name {
			continue
		}
		switch mode {
		case entryFind:
			return e, i, nil
		case entryDelete:
			del := e
			del.Name = string([]byte{el.cfg.FlashProgrammedValue})
			del.Attrib = 0
			if err := el.writeDeleteMarker(i); err != nil {
				return Entry{}, -1, err
			}
			return e, i, nil
		case entryUpdate:
			if replacement == nil {
				return Entry{}, -1, Wrap(StatusGeneral, nil, "update requires a replacement entry")
			}
			if err := el.write(i, *replacement); err != nil {
				return Entry{}, -1, err
			}
			return *replacement, i, nil
		}
	}
	return Entry{}, -1, NewError(StatusFileNotFound)
}

// writeDeleteMarker programs only the first name byte and the attribute
// byte to the programmed sentinel, leaving the rest of the slot
// untouched — an in-place logical delete that never needs to reconstruct
// the whole record.
func (el *entryList) writeDeleteMarker(i int) error {
	addr, off := el.slot(i)
	marker := []byte{el.cfg.FlashProgrammedValue}
	if err := el.cache.write(addr.Block, addr.Page, off, marker, 1); err != nil {
		return err
	}
	attribOff := off + el.cfg.FilenameLenMax
	return el.cache.write(addr.Block, addr.Page, attribOff, []byte{0}, 1)
}

// countEntries returns the number of free (never-used) and to-be-released
// (deleted) slots, per §4.6.
func (el *entryList) countEntries() (free, deleted, live int, err error) {
	for i := 0; i < el.totalSlots; i++ {
		_, state, err := el.read(i)
		if err != nil {
			return 0, 0, 0, err
		}
		switch state {
		case 0:
			free++
		case 1:
			deleted++
		case 2:
			live++
		}
	}
	return free, deleted, live, nil
}

// all returns every live entry, in slot order.
func (el *entryList) all() ([]Entry, error) {
	var out []Entry
	for i := 0; i < el.totalSlots; i++ {
		e, state, err := el.read(i)
		if err != nil {
			return nil, err
		}
		if state == 2 {
			out = append(out, e)
		}
	}
	return out, nil
}

// pageCount returns the number of logical pages the entry list occupies.
func (el *entryList) pageCount() int {
	return (el.totalSlots + el.perPage - 1) / el.perPage
}

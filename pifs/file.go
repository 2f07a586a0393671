package pifs

import (
	"io"
	"strings"
)

// OpenMode is the decoded form of a POSIX fopen-style mode string, per §4.9.
type OpenMode struct {
	Read         bool
	Write        bool
	Append       bool
	Truncate     bool
	Create       bool
	MustNotExist bool // the "x" exclusive-create modifier
}

// parseOpenMode decodes "r", "r+", "w", "w+", "a", "a+", per §4.9. The
// creating modes (w, w+, a, a+) may carry an "x" suffix for exclusive
// creation; "rx" and "r+x" are rejected.
func parseOpenMode(mode string) (OpenMode, error) {
	exclusive := strings.HasSuffix(mode, "x")
	base := strings.TrimSuffix(mode, "x")
	var m OpenMode
	switch base {
	case "r":
		m = OpenMode{Read: true}
	case "r+":
		m = OpenMode{Read: true, Write: true}
	case "w":
		m = OpenMode{Write: true, Create: true, Truncate: true}
	case "w+":
		m = OpenMode{Read: true, Write: true, Create: true, Truncate: true}
	case "a":
		m = OpenMode{Write: true, Create: true, Append: true}
	case "a+":
		m = OpenMode{Read: true, Write: true, Create: true, Append: true}
	default:
		return OpenMode{}, NewError(StatusInvalidOpenMode)
	}
	if exclusive {
		if !m.Create {
			return OpenMode{}, NewError(StatusInvalidOpenMode)
		}
		m.MustNotExist = true
	}
	return m, nil
}

// File is an open file handle, per §4.9. All state-mutating methods take
// fs.mu, matching the single-mutex concurrency model (Design Note 9).
type File struct {
	fs         *FS
	entryIndex int
	entry      Entry
	mode       OpenMode
	pos        int64
}

// Open opens name under mode (per parseOpenMode), creating or truncating it
// as the mode requires.
func (fs *FS) Open(name, modeStr string) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	mode, err := parseOpenMode(modeStr)
	if err != nil {
		return nil, err
	}
	if len(fs.files) >= fs.cfg.OpenFileNumMax {
		return nil, NewError(StatusNoMoreResource)
	}

	e, idx, err := fs.entries.findEntry(entryFind, name, nil)
	exists := err == nil
	if !exists && StatusOf(err) != StatusFileNotFound {
		return nil, err
	}

	switch {
	case !exists && !mode.Create:
		return nil, NewError(StatusFileNotFound)
	case exists && mode.MustNotExist:
		return nil, NewError(StatusFileAlreadyExist)
	case !exists:
		e = Entry{Name: name, FirstMapAddress: Address{Block: -1, Page: -1}}
		if err := fs.entries.appendEntry(e); err != nil {
			return nil, err
		}
		e, idx, err = fs.entries.findEntry(entryFind, name, nil)
		if err != nil {
			return nil, err
		}
	}

	if mode.Truncate && exists && e.FileSize > 0 {
		if err := fs.releaseChain(e.FirstMapAddress); err != nil {
			return nil, err
		}
		e.FileSize = 0
		e.FirstMapAddress = Address{Block: -1, Page: -1}
		if err := fs.entries.write(idx, e); err != nil {
			return nil, err
		}
	}

	f := &File{fs: fs, entryIndex: idx, entry: e, mode: mode}
	if mode.Append {
		f.pos = int64(e.FileSize)
	}
	fs.files = append(fs.files, f)
	return f, nil
}

// releaseChain marks every page of the map chain rooted at first — its
// extents' data pages and the map pages themselves — to-be-released.
func (fs *FS) releaseChain(first Address) error {
	if !first.Valid(fs.cfg) {
		return nil
	}
	addr := first
	for addr.Valid(fs.cfg) {
		page, err := fs.mapChain.readPage(addr)
		if err != nil {
			return err
		}
		for _, ext := range page.Extents {
			if err := fs.fsbm.markPage(ext.Address.Block, ext.Address.Page, int(ext.PageCount), false, true); err != nil {
				return err
			}
		}
		next := page.Next
		if err := fs.fsbm.markPage(addr.Block, addr.Page, 1, false, true); err != nil {
			return err
		}
		addr = next
	}
	return nil
}

// pageAt locates the logical page holding the idx-th page of the file,
// walking the map chain from its head.
func (f *File) pageAt(idx int64) (Address, error) {
	c, err := f.fs.mapChain.newCursor(f.entry.FirstMapAddress)
	if err != nil {
		return Address{}, err
	}
	for i := int64(0); i < idx; i++ {
		eof, err := f.fs.mapChain.advancePage(c)
		if err != nil {
			return Address{}, err
		}
		if eof {
			return Address{}, NewError(StatusEndOfFile)
		}
	}
	addr, ok := c.currentAddress()
	if !ok {
		return Address{}, NewError(StatusEndOfFile)
	}
	return addr, nil
}

// Read reads up to len(buf) bytes starting at the current position,
// returning StatusEndOfFile once the position reaches the file's size.
func (f *File) Read(buf []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !f.mode.Read {
		return 0, NewError(StatusInvalidOpenMode)
	}
	if f.pos >= int64(f.entry.FileSize) {
		return 0, NewError(StatusEndOfFile)
	}
	remaining := int64(f.entry.FileSize) - f.pos
	toRead := int64(len(buf))
	if toRead > remaining {
		toRead = remaining
	}

	n := int64(0)
	for n < toRead {
		pos := f.pos + n
		pageIdx := pos / int64(fs.cfg.PageSize)
		offsetInPage := int(pos % int64(fs.cfg.PageSize))
		addr, err := f.pageAt(pageIdx)
		if err != nil {
			return int(n), err
		}
		chunk := fs.cfg.PageSize - offsetInPage
		if left := toRead - n; int64(chunk) > left {
			chunk = int(left)
		}
		if err := fs.deltas.readDelta(addr.Block, addr.Page, offsetInPage, buf[n:n+int64(chunk)], chunk); err != nil {
			return int(n), err
		}
		n += int64(chunk)
	}
	f.pos += n
	return int(n), nil
}

// Write writes len(buf) bytes at the current position, per the delta-first
// policy of §4.9: a write entirely inside an already-allocated page is
// applied via the delta map (deltaMap.writeDelta) rather than extending the
// file, and only a write past the current last page allocates a fresh one.
func (f *File) Write(buf []byte) (int, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !f.mode.Write {
		return 0, NewError(StatusInvalidOpenMode)
	}
	if f.mode.Append {
		f.pos = int64(f.entry.FileSize)
	}

	if err := f.fillSeekGap(); err != nil {
		return 0, err
	}

	n := 0
	for n < len(buf) {
		pos := f.pos + int64(n)
		pageIdx := pos / int64(fs.cfg.PageSize)
		offsetInPage := int(pos % int64(fs.cfg.PageSize))
		chunk := fs.cfg.PageSize - offsetInPage
		if left := len(buf) - n; chunk > left {
			chunk = left
		}

		addr, err := f.pageAt(pageIdx)
		switch {
		case err != nil && IsEOF(err):
			newAddr, _, aerr := fs.Allocate(1, 1, BlockData, WearPolicyLeastWorn)
			if aerr != nil {
				return n, aerr
			}
			full := make([]byte, fs.cfg.PageSize)
			fillErased(fs.cfg, full)
			copy(full[offsetInPage:offsetInPage+chunk], buf[n:n+chunk])
			if err := fs.cache.write(newAddr.Block, newAddr.Page, 0, full, fs.cfg.PageSize); err != nil {
				return n, err
			}
			newFirst, err := fs.mapChain.extendChain(fs, f.entry.FirstMapAddress, newAddr, 1)
			if err != nil {
				return n, err
			}
			f.entry.FirstMapAddress = newFirst
		case err != nil:
			return n, err
		default:
			if err := fs.writeDeltaWithMerge(addr, offsetInPage, buf[n:n+chunk], chunk); err != nil {
				return n, err
			}
		}

		n += chunk
		if newEnd := uint32(pos) + uint32(chunk); newEnd > f.entry.FileSize {
			f.entry.FileSize = newEnd
		}
	}

	f.pos += int64(n)
	if err := fs.entries.write(f.entryIndex, f.entry); err != nil {
		return n, err
	}
	if err := fs.autoStaticWearLevelLocked(); err != nil {
		return n, err
	}
	return n, nil
}

// fillSeekGap is Seek's deferred half: when f.pos sits past the end of the
// file (only possible once Seek has allowed it, per
// Config.EnableFseekBeyondFile), the bytes between the old end of file and
// f.pos do not exist yet. extendChain always appends the next logical page,
// so writing at f.pos directly would silently place that write at the
// wrong page index instead of the intended one. This first overwrites the
// unused tail of the last partial page with the gap fill, then allocates
// and fills every missing page up to and including the one holding f.pos,
// one at a time, and sets FileSize to f.pos, so every gap byte reads back
// as the fill pattern before the caller's own write proceeds.
func (f *File) fillSeekGap() error {
	fs := f.fs
	pageSize := int64(fs.cfg.PageSize)
	size := int64(f.entry.FileSize)
	existingPages := (size + pageSize - 1) / pageSize
	if f.pos <= size {
		return nil
	}

	gap := make([]byte, fs.cfg.PageSize)
	if fs.cfg.EnableFseekErasedValue {
		fillErased(fs.cfg, gap)
	}
	if tail := size % pageSize; tail != 0 {
		addr, err := f.pageAt(existingPages - 1)
		if err != nil {
			return err
		}
		n := int(min(pageSize, f.pos-(existingPages-1)*pageSize) - tail)
		if err := fs.writeDeltaWithMerge(addr, int(tail), gap[:n], n); err != nil {
			return err
		}
	}
	for existingPages*pageSize < f.pos {
		addr, _, err := fs.Allocate(1, 1, BlockData, WearPolicyLeastWorn)
		if err != nil {
			return err
		}
		if err := fs.cache.write(addr.Block, addr.Page, 0, gap, fs.cfg.PageSize); err != nil {
			return err
		}
		newFirst, err := fs.mapChain.extendChain(fs, f.entry.FirstMapAddress, addr, 1)
		if err != nil {
			return err
		}
		f.entry.FirstMapAddress = newFirst
		existingPages++
	}
	f.entry.FileSize = uint32(f.pos)
	return nil
}

// Seek repositions the file per io.Seeker semantics. Seeking past the
// current end of file is an error unless Config.EnableFseekBeyondFile is
// set, in which case a subsequent Write zero-fills (or erased-value-fills,
// per Config.EnableFseekErasedValue) the gap by extending the map chain one
// page at a time up to the new position.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.pos + offset
	case io.SeekEnd:
		newPos = int64(f.entry.FileSize) + offset
	default:
		return 0, Wrap(StatusGeneral, nil, "invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, Wrap(StatusGeneral, nil, "negative seek position")
	}
	if newPos > int64(f.entry.FileSize) && !fs.cfg.EnableFseekBeyondFile {
		return 0, NewError(StatusEndOfFile)
	}
	f.pos = newPos
	return newPos, nil
}

// Size returns the file's current size in bytes.
func (f *File) Size() uint32 { return f.entry.FileSize }

// Close releases the handle. It does not flush the page cache; callers that
// need durability across a crash should rely on FS.Sync.
func (f *File) Close() error {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, h := range fs.files {
		if h == f {
			fs.files = append(fs.files[:i], fs.files[i+1:]...)
			break
		}
	}
	return nil
}

// Sync flushes the page cache to flash, per §4.1.
func (fs *FS) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cache.flush()
}

// Remove deletes name: its map chain's pages are marked to-be-released and
// its entry is logically deleted (§4.6).
func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, _, err := fs.entries.findEntry(entryFind, name, nil)
	if err != nil {
		return err
	}
	if err := fs.releaseChain(e.FirstMapAddress); err != nil {
		return err
	}
	_, _, err = fs.entries.findEntry(entryDelete, name, nil)
	return err
}

// Rename renames oldName to newName: delete-then-append, matching the
// entry list's append-only construction (§4.6) rather than an in-place
// field mutation.
func (fs *FS) Rename(oldName, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, _, err := fs.entries.findEntry(entryFind, oldName, nil)
	if err != nil {
		return err
	}
	if _, _, err := fs.entries.findEntry(entryFind, newName, nil); err == nil {
		return NewError(StatusFileAlreadyExist)
	} else if StatusOf(err) != StatusFileNotFound {
		return err
	}
	if _, _, err := fs.entries.findEntry(entryDelete, oldName, nil); err != nil {
		return err
	}
	e.Name = newName
	return fs.entries.appendEntry(e)
}

package pifs

// DirEntry is one listed row of an open directory, per §4.6.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  uint32
}

// Dir is an open directory handle, snapshotting the entry list at OpenDir
// time (§4.6) — an entry created or removed after OpenDir is not reflected
// until the next OpenDir, matching the original's non-live directory
// iterator.
type Dir struct {
	fs      *FS
	path    string
	entries []DirEntry
	pos     int
}

// Mkdir creates a directory entry. Only meaningful when
// Config.EnableDirectories is set (§9's single-level directory hierarchy is
// flag-gated off by default, matching PIFS_ENABLE_DIRECTORIES=0 in the
// original configuration).
func (fs *FS) Mkdir(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.cfg.EnableDirectories {
		return Wrap(StatusGeneral, nil, "directories are disabled (Config.EnableDirectories = false)")
	}
	if _, _, err := fs.entries.findEntry(entryFind, name, nil); err == nil {
		return NewError(StatusFileAlreadyExist)
	} else if StatusOf(err) != StatusFileNotFound {
		return err
	}
	e := Entry{Name: name, Attrib: AttrDir, FirstMapAddress: Address{Block: -1, Page: -1}}
	return fs.entries.appendEntry(e)
}

// Rmdir removes an empty directory entry. The flat, single-level entry
// list (§4.6) has no child pointer to check, so "empty" holds vacuously;
// Config.EnableDirectories still gates the operation.
func (fs *FS) Rmdir(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.cfg.EnableDirectories {
		return Wrap(StatusGeneral, nil, "directories are disabled (Config.EnableDirectories = false)")
	}
	e, _, err := fs.entries.findEntry(entryFind, name, nil)
	if err != nil {
		return err
	}
	if e.Attrib&AttrDir == 0 {
		return NewError(StatusIsNotDirectory)
	}
	_, _, err = fs.entries.findEntry(entryDelete, name, nil)
	return err
}

// OpenDir lists the filesystem's single level of entries. name must be "/"
// (or empty) unless Config.EnableDirectories names a directory entry,
// matching spec.md's non-goal of no hierarchy beyond a flag-gated
// single-level implementation.
func (fs *FS) OpenDir(name string) (*Dir, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if name != "" && name != "/" {
		if !fs.cfg.EnableDirectories {
			return nil, NewError(StatusIsNotDirectory)
		}
		e, _, err := fs.entries.findEntry(entryFind, name, nil)
		if err != nil {
			return nil, err
		}
		if e.Attrib&AttrDir == 0 {
			return nil, NewError(StatusIsNotDirectory)
		}
	}
	if len(fs.dirs) >= fs.cfg.OpenDirNumMax {
		return nil, NewError(StatusNoMoreResource)
	}

	all, err := fs.entries.all()
	if err != nil {
		return nil, err
	}
	d := &Dir{fs: fs, path: name}
	for _, e := range all {
		d.entries = append(d.entries, DirEntry{Name: e.Name, IsDir: e.Attrib&AttrDir != 0, Size: e.FileSize})
	}
	fs.dirs = append(fs.dirs, d)
	return d, nil
}

// Read returns the directory's next entry, in entry-list slot order, and
// ok=false once exhausted. OpenDir picks the first free handle slot (an
// explicit decision where spec.md leaves the choice open, see DESIGN.md).
func (d *Dir) Read() (DirEntry, bool) {
	if d.pos >= len(d.entries) {
		return DirEntry{}, false
	}
	e := d.entries[d.pos]
	d.pos++
	return e, true
}

// Close releases the directory handle.
func (d *Dir) Close() error {
	fs := d.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, h := range fs.dirs {
		if h == d {
			fs.dirs = append(fs.dirs[:i], fs.dirs[i+1:]...)
			break
		}
	}
	return nil
}

// Chdir sets task's current-working-directory entry to name, per §5's
// per-task cwd table. name must be "/" or name an existing directory entry;
// the flat, single-level entry list (§9's non-goal of no deeper hierarchy)
// means this only changes what getcwd reports back to the caller, not how
// other names resolve — there is no nested namespace to descend into.
func (fs *FS) Chdir(task TaskID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if name == "" {
		name = "/"
	}
	if name != "/" {
		if !fs.cfg.EnableDirectories {
			return Wrap(StatusGeneral, nil, "directories are disabled (Config.EnableDirectories = false)")
		}
		e, _, err := fs.entries.findEntry(entryFind, name, nil)
		if err != nil {
			return err
		}
		if e.Attrib&AttrDir == 0 {
			return NewError(StatusIsNotDirectory)
		}
	}
	fs.taskState(task).cwd = name
	return nil
}

// Getcwd returns task's current-working-directory entry, "/" for a task
// that has never called Chdir.
func (fs *FS) Getcwd(task TaskID) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.taskState(task).cwd, nil
}

package pifs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifs-project/pifs/pifs"
)

func TestOpenDirListsFiles(t *testing.T) {
	fs, _ := newTestFS(t)

	for _, name := range []string{"a.txt", "b.txt"} {
		f, err := fs.Open(name, "w")
		require.NoError(t, err)
		_, err = f.Write([]byte(name))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	dir, err := fs.OpenDir("/")
	require.NoError(t, err)
	defer dir.Close()

	var names []string
	for {
		e, ok := dir.Read()
		if !ok {
			break
		}
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
}

func TestMkdirDisabledByDefault(t *testing.T) {
	fs, _ := newTestFS(t)
	err := fs.Mkdir("sub")
	require.Error(t, err)
}

func TestCheckReportsNoProblemsOnCleanFS(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("clean.txt", "w")
	require.NoError(t, err)
	_, err = f.Write([]byte("fine"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	problems, err := fs.Check()
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestGetcwdDefaultsToRoot(t *testing.T) {
	fs, _ := newTestFS(t)
	cwd, err := fs.Getcwd(pifs.TaskID(0))
	require.NoError(t, err)
	assert.Equal(t, "/", cwd)
}

func TestChdirDisabledByDefault(t *testing.T) {
	fs, _ := newTestFS(t)
	err := fs.Chdir(pifs.TaskID(0), "sub")
	require.Error(t, err)
}

func TestChdirRejectsNonDirectoryEntry(t *testing.T) {
	cfg := smallConfig()
	cfg.EnableDirectories = true
	fs, _ := newTestFSWithConfig(t, cfg)

	f, err := fs.Open("plain.txt", "w")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = fs.Chdir(pifs.TaskID(0), "plain.txt")
	require.Error(t, err)
	assert.Equal(t, pifs.StatusIsNotDirectory, pifs.StatusOf(err))
}

func TestChdirTracksPerTaskState(t *testing.T) {
	cfg := smallConfig()
	cfg.EnableDirectories = true
	fs, _ := newTestFSWithConfig(t, cfg)

	require.NoError(t, fs.Mkdir("sub"))

	const taskA, taskB = pifs.TaskID(1), pifs.TaskID(2)
	require.NoError(t, fs.Chdir(taskA, "sub"))

	gotA, err := fs.Getcwd(taskA)
	require.NoError(t, err)
	assert.Equal(t, "sub", gotA)

	// taskB never called Chdir: it must still see the root default,
	// independent of taskA's state.
	gotB, err := fs.Getcwd(taskB)
	require.NoError(t, err)
	assert.Equal(t, "/", gotB)

	require.NoError(t, fs.Chdir(taskA, "/"))
	gotA, err = fs.Getcwd(taskA)
	require.NoError(t, err)
	assert.Equal(t, "/", gotA)
}

func TestGetFreeSpaceShrinksAfterWrite(t *testing.T) {
	fs, cfg := newTestFS(t)
	before, err := fs.GetFreeSpace()
	require.NoError(t, err)

	f, err := fs.Open("big.txt", "w")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, cfg.PageSize))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	after, err := fs.GetFreeSpace()
	require.NoError(t, err)
	assert.Less(t, after, before)
}


package pifs_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifs-project/pifs/pifs"
)

func TestWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t)

	f, err := fs.Open("hello.txt", "w")
	require.NoError(t, err)
	n, err := f.Write([]byte("hello, pifs"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, f.Close())

	f2, err := fs.Open("hello.txt", "r")
	require.NoError(t, err)
	defer f2.Close()
	buf := make([]byte, 64)
	total := 0
	for {
		n, err := f2.Read(buf[total:])
		total += n
		if err != nil {
			require.True(t, pifs.IsEOF(err))
			break
		}
	}
	assert.Equal(t, "hello, pifs", string(buf[:total]))
}

func TestAppendMode(t *testing.T) {
	fs, _ := newTestFS(t)

	f, err := fs.Open("log.txt", "w")
	require.NoError(t, err)
	_, err = f.Write([]byte("first "))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := fs.Open("log.txt", "a")
	require.NoError(t, err)
	_, err = f2.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	f3, err := fs.Open("log.txt", "r")
	require.NoError(t, err)
	defer f3.Close()
	data, err := readAll(f3)
	require.NoError(t, err)
	assert.Equal(t, "first second", string(data))
}

func TestTruncateOnReopenWithW(t *testing.T) {
	fs, _ := newTestFS(t)

	f, err := fs.Open("a.txt", "w")
	require.NoError(t, err)
	_, err = f.Write([]byte("some long content here"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := fs.Open("a.txt", "w")
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	f3, err := fs.Open("a.txt", "r")
	require.NoError(t, err)
	defer f3.Close()
	assert.Equal(t, uint32(0), f3.Size())
}

func TestExclusiveCreateFailsIfExists(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.Open("once.txt", "wx")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = fs.Open("once.txt", "wx")
	require.Error(t, err)
	assert.Equal(t, pifs.StatusFileAlreadyExist, pifs.StatusOf(err))
}

func TestOpenMissingFileWithoutCreateFails(t *testing.T) {
	fs, _ := newTestFS(t)
	_, err := fs.Open("nope.txt", "r")
	require.Error(t, err)
	assert.Equal(t, pifs.StatusFileNotFound, pifs.StatusOf(err))
}

func TestSeekAndPartialRewrite(t *testing.T) {
	fs, _ := newTestFS(t)

	f, err := fs.Open("seek.txt", "w+")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	_, err = f.Seek(3, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write([]byte("XYZ"))
	require.NoError(t, err)

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	data, err := readAll(f)
	require.NoError(t, err)
	assert.Equal(t, "012XYZ6789", string(data))
	require.NoError(t, f.Close())
}

func TestSeekPastEOFFillsGapBeforeWrite(t *testing.T) {
	fs, cfg := newTestFS(t)
	require.True(t, cfg.EnableFseekBeyondFile)

	f, err := fs.Open("sparse.bin", "w+")
	require.NoError(t, err)
	_, err = f.Write([]byte("AB"))
	require.NoError(t, err)

	// Jump past the end of the single page already written, far enough to
	// span several whole pages of gap, then write again.
	target := int64(cfg.PageSize)*3 + 5
	_, err = f.Seek(target, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write([]byte("Z"))
	require.NoError(t, err)

	assert.Equal(t, uint32(target+1), f.Size())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	data, err := readAll(f)
	require.NoError(t, err)
	require.Len(t, data, int(target+1))
	assert.Equal(t, "AB", string(data[:2]))
	assert.Equal(t, byte('Z'), data[target])
	// Every byte in the gap must be the zero fill (EnableFseekErasedValue
	// defaults false), not leftover or misplaced write content.
	for _, b := range data[2:target] {
		assert.Equal(t, byte(0), b)
	}
	require.NoError(t, f.Close())
}

func TestRemoveAndRename(t *testing.T) {
	fs, _ := newTestFS(t)

	f, err := fs.Open("old.txt", "w")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("old.txt", "new.txt"))
	_, err = fs.Open("old.txt", "r")
	require.Error(t, err)

	f2, err := fs.Open("new.txt", "r")
	require.NoError(t, err)
	data, err := readAll(f2)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	require.NoError(t, f2.Close())

	require.NoError(t, fs.Remove("new.txt"))
	_, err = fs.Open("new.txt", "r")
	require.Error(t, err)
	assert.Equal(t, pifs.StatusFileNotFound, pifs.StatusOf(err))
}

func TestCopy(t *testing.T) {
	fs, _ := newTestFS(t)

	f, err := fs.Open("src.txt", "w")
	require.NoError(t, err)
	_, err = f.Write([]byte("copy me"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Copy("src.txt", "dst.txt"))
	f2, err := fs.Open("dst.txt", "r")
	require.NoError(t, err)
	defer f2.Close()
	data, err := readAll(f2)
	require.NoError(t, err)
	assert.Equal(t, "copy me", string(data))
}

func readAll(f *pifs.File) ([]byte, error) {
	var out []byte
	buf := make([]byte, 8)
	for {
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if pifs.IsEOF(err) {
				return out, nil
			}
			return out, err
		}
	}
}

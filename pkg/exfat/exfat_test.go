package exfat

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesfs/moses/pkg/fsops"
)

type memDisk struct {
	buf []byte
	pos int64
}

func newMemDisk(size int) *memDisk { return &memDisk{buf: make([]byte, size)} }

func (m *memDisk) Write(p []byte) (int, error) {
	if m.pos+int64(len(p)) > int64(len(m.buf)) {
		grown := make([]byte, m.pos+int64(len(p)))
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memDisk) Read(p []byte) (int, error) {
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (m *memDisk) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.buf)) + offset
	}
	return m.pos, nil
}

func (m *memDisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func formattedDisk(t *testing.T) *memDisk {
	t.Helper()
	disk := newMemDisk(8 * 1024 * 1024)
	require.NoError(t, Format(disk, fsops.FormatOptions{VolumeLabel: "TEST"}))
	return disk
}

func TestDetectRecognisesFormattedVolume(t *testing.T) {
	disk := formattedDisk(t)
	assert.True(t, Detect(disk))
}

func TestFormatThenOpenListsEmptyRoot(t *testing.T) {
	disk := formattedDisk(t)
	v, err := OpenReadOnly(disk)
	require.NoError(t, err)
	entries, err := v.List("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	disk := formattedDisk(t)
	v, err := Open(disk)
	require.NoError(t, err)

	w, err := v.Create("/hello.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, v.Close())

	v2, err := OpenReadOnly(disk)
	require.NoError(t, err)
	r, err := v2.Open("/hello.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestMkdirThenStatReportsDirectory(t *testing.T) {
	disk := formattedDisk(t)
	v, err := Open(disk)
	require.NoError(t, err)

	require.NoError(t, v.Mkdir("/sub"))
	entry, err := v.Stat("/sub")
	require.NoError(t, err)
	assert.True(t, entry.IsDir)

	entries, err := v.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sub", entries[0].Name)
}

func TestRemoveDeletesFile(t *testing.T) {
	disk := formattedDisk(t)
	v, err := Open(disk)
	require.NoError(t, err)

	w, err := v.Create("/a.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Close())

	require.NoError(t, v.Remove("/a.txt"))
	_, err = v.Stat("/a.txt")
	assert.Error(t, err)
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	disk := formattedDisk(t)
	v, err := Open(disk)
	require.NoError(t, err)

	require.NoError(t, v.Mkdir("/dir"))
	w, err := v.Create("/a.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("moved"))
	require.NoError(t, w.Close())

	require.NoError(t, v.Rename("/a.txt", "/dir/b.txt"))

	_, err = v.Stat("/a.txt")
	assert.Error(t, err)

	r, err := v.Open("/dir/b.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "moved", string(data))
}

func TestLongNameRoundTrips(t *testing.T) {
	disk := formattedDisk(t)
	v, err := Open(disk)
	require.NoError(t, err)

	name := "/Résumé (final).txt"
	w, err := v.Create(name)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := v.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Résumé (final).txt", entries[0].Name)
}

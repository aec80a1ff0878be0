package ext

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesfs/moses/pkg/ferr"
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

// crashDisk wraps a memDisk and lets only the first allow writes
// through, failing every one after that as if the device had lost
// power. Used to land a transaction's descriptor and data blocks
// while dropping its commit block, so recovery finds an incomplete
// transaction rather than a committed one.
type crashDisk struct {
	*memDisk
	allow  int
	writes int
}

func (c *crashDisk) Write(p []byte) (int, error) {
	c.writes++
	if c.writes > c.allow {
		return 0, io.ErrClosedPipe
	}
	return c.memDisk.Write(p)
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
	v, err := Open(disk, t.TempDir())
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
	v, err := Open(disk, t.TempDir())
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
	v, err := Open(disk, t.TempDir())
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
	v, err := Open(disk, t.TempDir())
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

// TestCrashBeforeCommitLeavesCreateUndone simulates a crash that lands
// a Create's descriptor and data blocks in the journal but never
// reaches the commit block. Recovery on the next mount must treat that
// transaction as never having happened, so the new file does not
// appear and the root directory is unchanged.
func TestCrashBeforeCommitLeavesCreateUndone(t *testing.T) {
	disk := newMemDisk(8 * 1024 * 1024)
	require.NoError(t, Format(disk, fsops.FormatOptions{VolumeLabel: "TEST"}))

	crash := &crashDisk{memDisk: disk}
	v, err := Open(crash, t.TempDir())
	require.NoError(t, err)

	// One descriptor block plus two data blocks (the new inode's table
	// block and the root directory's block) make it to the log; the
	// commit block that would finalize the transaction does not.
	crash.allow = 3
	_, err = v.Create("/a.txt")
	assert.Error(t, err)

	v2, err := Open(disk, t.TempDir())
	require.NoError(t, err)
	_, err = v2.Stat("/a.txt")
	assert.Error(t, err)
	entries, err := v2.List("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoveReservedInodeIsSafetyViolation(t *testing.T) {
	disk := formattedDisk(t)
	v, err := Open(disk, t.TempDir())
	require.NoError(t, err)

	// No normal operation links a reserved inode into a directory;
	// plant an entry pointing at the journal inode to exercise the
	// guard.
	rootIno, rootInode, err := v.resolvePath("/")
	require.NoError(t, err)
	txn := v.begin()
	require.NoError(t, txn.insertDirent(rootIno, rootInode, "journal", JournalInode, ftypeRegular))
	require.NoError(t, txn.commit())

	assert.True(t, ferr.Is(v.Remove("/journal"), ferr.KindSafetyViolation))
	assert.True(t, ferr.Is(v.Rename("/journal", "/moved"), ferr.KindSafetyViolation))

	entries, err := v.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1) // still present, untouched
}

func TestExtentCoalescingMergesContiguousBlocks(t *testing.T) {
	runs := coalesceRuns([]int64{10, 11, 12, 20, 21})
	require.Len(t, runs, 2)
	assert.Equal(t, blockRun{start: 10, length: 3}, runs[0])
	assert.Equal(t, blockRun{start: 20, length: 2}, runs[1])
}

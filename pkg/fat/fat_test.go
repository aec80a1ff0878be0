package fat

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

// fat16Disk formats a volume small enough to land in the FAT16 range.
func fat16Disk(t *testing.T) *memDisk {
	t.Helper()
	disk := newMemDisk(64 * 1024 * 1024)
	require.NoError(t, Format(disk, fsops.FormatOptions{VolumeLabel: "TEST", ClusterSize: 4096}))
	return disk
}

// fat32Disk formats with 512-byte clusters so the cluster count clears
// the FAT32 threshold without an oversized in-memory image.
func fat32Disk(t *testing.T) *memDisk {
	t.Helper()
	disk := newMemDisk(64 * 1024 * 1024)
	require.NoError(t, Format(disk, fsops.FormatOptions{VolumeLabel: "TEST", ClusterSize: 512}))
	return disk
}

func TestFormatSelectsWidthFromClusterCount(t *testing.T) {
	v16, err := Open(fat16Disk(t))
	require.NoError(t, err)
	assert.Equal(t, Type16, v16.geo.typ)

	v32, err := Open(fat32Disk(t))
	require.NoError(t, err)
	assert.Equal(t, Type32, v32.geo.typ)
}

func TestWidthBoundaryAtSmallestFAT16Count(t *testing.T) {
	// 1 reserved + 2*16 FAT + 32 root-dir sectors ahead of the data
	// region, one sector per cluster: total 65+N sectors gives exactly
	// N clusters.
	build := func(clusters uint32) []byte {
		boot := make([]byte, 512)
		putLE16(boot[11:13], 512)
		boot[13] = 1
		putLE16(boot[14:16], 1)
		boot[16] = 2
		putLE16(boot[17:19], 512)
		putLE32(boot[32:36], 65+clusters)
		putLE16(boot[22:24], 16)
		boot[510], boot[511] = 0x55, 0xAA
		return boot
	}

	geo, err := decodeBPB(build(maxFAT12Cluster))
	require.NoError(t, err)
	assert.Equal(t, Type16, geo.typ)

	geo, err = decodeBPB(build(maxFAT12Cluster - 1))
	require.NoError(t, err)
	assert.Equal(t, Type12, geo.typ)
}

func TestDetectRecognisesFormattedVolume(t *testing.T) {
	assert.True(t, Detect(fat16Disk(t)))
	assert.True(t, Detect(fat32Disk(t)))
	assert.False(t, Detect(newMemDisk(1024*1024)))
}

func TestFormatWritesFSInfoAndTypeStrings(t *testing.T) {
	disk := fat32Disk(t)
	assert.Equal(t, "FAT32", string(disk.buf[82:87]))
	assert.Equal(t, uint32(0x41615252), le32(disk.buf[512:516]))
	assert.Equal(t, uint32(0x61417272), le32(disk.buf[512+484:512+488]))
	assert.Equal(t, uint32(0xAA550000), le32(disk.buf[512+508:512+512]))

	disk16 := fat16Disk(t)
	assert.Equal(t, "FAT", string(disk16.buf[54:57]))
	assert.Equal(t, byte(0x29), disk16.buf[38])
}

func TestFormatThenOpenListsEmptyRoot(t *testing.T) {
	for _, disk := range []*memDisk{fat16Disk(t), fat32Disk(t)} {
		v, err := OpenReadOnly(disk)
		require.NoError(t, err)
		entries, err := v.List("/")
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	disk := fat16Disk(t)
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
	v, err := Open(fat16Disk(t))
	require.NoError(t, err)

	require.NoError(t, v.Mkdir("/sub"))
	entry, err := v.Stat("/sub")
	require.NoError(t, err)
	assert.True(t, entry.IsDir)

	w, err := v.Create("/sub/inner.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.Close())

	entries, err := v.List("/sub")
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{"inner.txt"}, names)
}

// TestLongNameRoundTrip is the FAT32 long-filename scenario: one
// created file with an accented, spaced name must list back as exactly
// one entry carrying the original name, backed by a numeric-tail 8.3
// short entry.
func TestLongNameRoundTrip(t *testing.T) {
	const name = "Résumé (final).txt"
	v, err := Open(fat32Disk(t))
	require.NoError(t, err)

	w, err := v.Create("/" + name)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := v.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, name, entries[0].Name)
	assert.Equal(t, int64(0), entries[0].Size)

	dirents, err := v.readDirents(v.rootFirstCluster())
	require.NoError(t, err)
	require.Len(t, dirents, 1)
	assert.Equal(t, "RESUME~1.TXT", dirents[0].shortName)
	assert.Equal(t, uint8(attrArchive), dirents[0].attr)
	assert.Greater(t, dirents[0].lfnSlots, 0)
}

func TestShortNameCollisionsGetDistinctNumericTails(t *testing.T) {
	v, err := Open(fat32Disk(t))
	require.NoError(t, err)

	for _, name := range []string{"long file one.txt", "long file two.txt"} {
		w, err := v.Create("/" + name)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	dirents, err := v.readDirents(v.rootFirstCluster())
	require.NoError(t, err)
	require.Len(t, dirents, 2)
	shorts := map[string]bool{}
	for _, d := range dirents {
		shorts[d.shortName] = true
	}
	assert.True(t, shorts["LONGFI~1.TXT"])
	assert.True(t, shorts["LONGFI~2.TXT"])
}

func TestLookupMatchesShortAndLongName(t *testing.T) {
	v, err := Open(fat32Disk(t))
	require.NoError(t, err)

	w, err := v.Create("/My Document.txt")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = v.Stat("/My Document.txt")
	assert.NoError(t, err)
	_, err = v.Stat("/MYDOCU~1.TXT")
	assert.NoError(t, err)
}

// TestRemoveTombstonesEntrySlot checks the deletion path marks the
// freed directory slot 0xE5 immediately rather than leaving the entry
// bytes live.
func TestRemoveTombstonesEntrySlot(t *testing.T) {
	v, err := Open(fat16Disk(t))
	require.NoError(t, err)

	w, err := v.Create("/gone.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("bye"))
	require.NoError(t, w.Close())

	require.NoError(t, v.Remove("/gone.txt"))

	raw, err := v.readDirRegion(v.rootFirstCluster())
	require.NoError(t, err)
	assert.Equal(t, byte(deletedMark), raw[0])

	_, err = v.Stat("/gone.txt")
	assert.True(t, ferr.Is(err, ferr.KindNotFound))
}

func TestRemoveRejectsNonEmptyDirectory(t *testing.T) {
	v, err := Open(fat16Disk(t))
	require.NoError(t, err)

	require.NoError(t, v.Mkdir("/d"))
	w, err := v.Create("/d/f.txt")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = v.Remove("/d")
	assert.True(t, ferr.Is(err, ferr.KindInvalidArgument))
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	v, err := Open(fat16Disk(t))
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

func TestBothFATCopiesStayInLockstep(t *testing.T) {
	disk := fat16Disk(t)
	v, err := Open(disk)
	require.NoError(t, err)

	w, err := v.Create("/f.bin")
	require.NoError(t, err)
	_, _ = w.Write(make([]byte, 3*int(v.geo.clusterSize())))
	require.NoError(t, w.Close())

	fatBytes := v.geo.fatSizeSectors * v.geo.bytesPerSector
	first := disk.buf[v.geo.fatStart : v.geo.fatStart+fatBytes]
	second := disk.buf[v.geo.fatStart+fatBytes : v.geo.fatStart+2*fatBytes]
	assert.Equal(t, first, second)
}

func TestClusterChainLoopIsCorruption(t *testing.T) {
	v, err := Open(fat16Disk(t))
	require.NoError(t, err)

	require.NoError(t, v.setEntry(2, 3))
	require.NoError(t, v.setEntry(3, 2))
	_, err = v.clusterChain(2)
	assert.True(t, ferr.Is(err, ferr.KindCorruption))
}

func TestWritesRejectedOnReadOnlyMount(t *testing.T) {
	v, err := OpenReadOnly(fat16Disk(t))
	require.NoError(t, err)

	_, err = v.Create("/x")
	assert.True(t, ferr.Is(err, ferr.KindPermissionDenied))
	assert.True(t, ferr.Is(v.Mkdir("/d"), ferr.KindPermissionDenied))
	assert.True(t, ferr.Is(v.Remove("/x"), ferr.KindPermissionDenied))
	assert.True(t, ferr.Is(v.Rename("/x", "/y"), ferr.KindPermissionDenied))
}

package ntfs

import (
	"bytes"
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

func formattedDisk(t *testing.T) *memDisk {
	t.Helper()
	disk := newMemDisk(16 * 1024 * 1024)
	require.NoError(t, Format(disk, fsops.FormatOptions{VolumeLabel: "TEST"}))
	return disk
}

func TestDetectRecognisesFormattedVolume(t *testing.T) {
	assert.True(t, Detect(formattedDisk(t)))
	assert.False(t, Detect(newMemDisk(1024*1024)))
}

func TestFormatThenOpenListsEmptyRoot(t *testing.T) {
	v, err := OpenReadOnly(formattedDisk(t))
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

// TestLargeFileBecomesNonResident writes past the resident limit and
// checks the DATA attribute moved out to allocated clusters with an
// intact run list.
func TestLargeFileBecomesNonResident(t *testing.T) {
	v, err := Open(formattedDisk(t))
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, 16*1024)
	w, err := v.Create("/big.bin")
	require.NoError(t, err)
	_, _ = w.Write(payload)
	require.NoError(t, w.Close())

	_, rec, ok, err := v.resolve("/big.bin")
	require.NoError(t, err)
	require.True(t, ok)
	attr := rec.findAttr(attrData)
	require.NotNil(t, attr)
	assert.True(t, attr.nonResident)
	assert.Equal(t, uint64(len(payload)), attr.realSize)

	r, err := v.Open("/big.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// TestResidentExpansionDenied is the resident-stream scenario: a file
// whose DATA attribute is resident must refuse an in-place grow past
// the resident limit, leaving the on-disk MFT record byte-identical.
func TestResidentExpansionDenied(t *testing.T) {
	disk := formattedDisk(t)
	v, err := Open(disk)
	require.NoError(t, err)

	w, err := v.Create("/small.dat")
	require.NoError(t, err)
	_, _ = w.Write([]byte("sixteen bytes!!!"))
	require.NoError(t, w.Close())

	e, ok, err := v.lookupChild(recordRoot, "small.dat")
	require.NoError(t, err)
	require.True(t, ok)
	before := append([]byte(nil), disk.buf[v.mftRecordOffset(e.record):v.mftRecordOffset(e.record)+mftRecordSize]...)

	w2, err := v.Create("/small.dat")
	require.NoError(t, err)
	_, _ = w2.Write(make([]byte, 4096))
	err = w2.Close()
	assert.True(t, ferr.Is(err, ferr.KindNotSupported))

	after := disk.buf[v.mftRecordOffset(e.record) : v.mftRecordOffset(e.record)+mftRecordSize]
	assert.Equal(t, before, after)

	r, err := v.Open("/small.dat")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "sixteen bytes!!!", string(data))
}

func TestMkdirThenStatReportsDirectory(t *testing.T) {
	v, err := Open(formattedDisk(t))
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
	require.Len(t, entries, 1)
	assert.Equal(t, "inner.txt", entries[0].Name)
}

// TestRemoveFreesRecordForReuse deletes a file and checks its MFT slot
// is handed back out by the next allocation rather than leaking.
func TestRemoveFreesRecordForReuse(t *testing.T) {
	v, err := Open(formattedDisk(t))
	require.NoError(t, err)

	w, err := v.Create("/a.txt")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	e, ok, err := v.lookupChild(recordRoot, "a.txt")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, v.Remove("/a.txt"))
	_, err = v.Stat("/a.txt")
	assert.True(t, ferr.Is(err, ferr.KindNotFound))

	n, err := v.findFreeMFTRecord()
	require.NoError(t, err)
	assert.Equal(t, e.record, n)
}

func TestRemoveNonResidentFileReleasesClusters(t *testing.T) {
	v, err := Open(formattedDisk(t))
	require.NoError(t, err)

	bm, err := v.loadClusterBitmap()
	require.NoError(t, err)
	freeBefore := bm.FreeCount()

	w, err := v.Create("/big.bin")
	require.NoError(t, err)
	_, _ = w.Write(make([]byte, 64*1024))
	require.NoError(t, w.Close())
	require.NoError(t, v.Remove("/big.bin"))

	bm, err = v.loadClusterBitmap()
	require.NoError(t, err)
	assert.Equal(t, freeBefore, bm.FreeCount())
}

func TestRemoveReservedRecordIsSafetyViolation(t *testing.T) {
	v, err := Open(formattedDisk(t))
	require.NoError(t, err)

	// A directory entry pointing at a reserved record never arises from
	// this writer; plant one to exercise the guard.
	require.NoError(t, v.addChild(recordRoot, indexEntry{name: "$Volume", record: recordVolume}))
	err = v.Remove("/$Volume")
	assert.True(t, ferr.Is(err, ferr.KindSafetyViolation))
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	v, err := Open(formattedDisk(t))
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

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	in := record{
		number:    42,
		sequence:  3,
		linkCount: 1,
		flags:     flagRecordInUse,
		attributes: []attribute{
			{typ: attrData, value: []byte("resident payload")},
			{typ: attrIndexRoot, nonResident: true, runs: []run{{length: 4, lcn: 100}, {length: 2, lcn: 300}}, realSize: 6 * 4096},
		},
	}

	raw := encodeRecord(in, 7, 4096)
	out, err := decodeRecord(raw, 42)
	require.NoError(t, err)

	assert.Equal(t, in.sequence, out.sequence)
	assert.Equal(t, in.flags, out.flags)
	require.Len(t, out.attributes, 2)
	assert.Equal(t, []byte("resident payload"), out.attributes[0].value)
	assert.True(t, out.attributes[1].nonResident)
	assert.Equal(t, in.attributes[1].runs, out.attributes[1].runs)
	assert.Equal(t, in.attributes[1].realSize, out.attributes[1].realSize)
}

// TestTornRecordFailsUSACheck corrupts the tail of one 512-byte sector
// inside an encoded record; the update-sequence check must reject it.
func TestTornRecordFailsUSACheck(t *testing.T) {
	raw := encodeRecord(record{number: 1, flags: flagRecordInUse}, 9, 4096)
	raw[sectorStride-2] ^= 0xFF

	_, err := decodeRecord(raw, 1)
	assert.True(t, ferr.Is(err, ferr.KindCorruption))
}

func TestRunListRoundTrip(t *testing.T) {
	in := []run{
		{length: 16, lcn: 1000},
		{length: 3, lcn: 400}, // negative delta from the previous run
		{length: 8, lcn: -1},  // sparse
		{length: 1, lcn: 70000},
	}
	out, err := decodeRunList(encodeRunList(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWritesRejectedOnReadOnlyMount(t *testing.T) {
	v, err := OpenReadOnly(formattedDisk(t))
	require.NoError(t, err)

	_, err = v.Create("/x")
	assert.True(t, ferr.Is(err, ferr.KindPermissionDenied))
	assert.True(t, ferr.Is(v.Mkdir("/d"), ferr.KindPermissionDenied))
	assert.True(t, ferr.Is(v.Remove("/x"), ferr.KindPermissionDenied))
	assert.True(t, ferr.Is(v.Rename("/x", "/y"), ferr.KindPermissionDenied))
}

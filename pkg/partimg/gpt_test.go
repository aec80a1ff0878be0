package partimg

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDisk struct {
	buf []byte
	pos int64
}

func newMemDisk(sectors uint64) *memDisk {
	return &memDisk{buf: make([]byte, sectors*SectorSize)}
}

func (d *memDisk) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.buf[off:]), nil
}

func (d *memDisk) Write(p []byte) (int, error) {
	n := copy(d.buf[d.pos:], p)
	d.pos += int64(n)
	return n, nil
}

func (d *memDisk) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		d.pos = offset
	case io.SeekCurrent:
		d.pos += offset
	case io.SeekEnd:
		d.pos = int64(len(d.buf)) + offset
	}
	return d.pos, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const sectors = 1 << 16
	disk := newMemDisk(sectors)

	table := &Table{
		DiskGUID: uuid.New(),
		Partitions: []Partition{
			{GUID: uuid.New(), FirstLBA: FirstUsableLBA, LastLBA: FirstUsableLBA + 1000, Name: "root"},
			{GUID: uuid.New(), FirstLBA: FirstUsableLBA + 1001, LastLBA: FirstUsableLBA + 2000, Name: "data"},
		},
	}

	require.NoError(t, Encode(disk, table, sectors))

	decoded, err := Decode(disk)
	require.NoError(t, err)

	require.Len(t, decoded.Partitions, 2)
	assert.Equal(t, "root", decoded.Partitions[0].Name)
	assert.Equal(t, "data", decoded.Partitions[1].Name)
	assert.Equal(t, uint64(FirstUsableLBA), decoded.Partitions[0].FirstLBA)
}

func TestDecodeRejectsMissingProtectiveMBR(t *testing.T) {
	disk := newMemDisk(64)
	_, err := Decode(disk)
	assert.Error(t, err)
}

func TestDecodeClassicalMBR(t *testing.T) {
	disk := newMemDisk(4096)
	sector := disk.buf[:SectorSize]
	sector[510], sector[511] = 0x55, 0xAA
	entry := sector[446:462]
	entry[4] = 0x83 // linux
	entry[8] = 64   // first LBA
	entry[12] = 0x00
	entry[13] = 0x08 // 2048 sectors

	table, err := Decode(disk)
	require.NoError(t, err)
	assert.Equal(t, "mbr", table.Scheme)
	require.Len(t, table.Partitions, 1)
	assert.Equal(t, byte(0x83), table.Partitions[0].MBRType)
	assert.Equal(t, uint64(64), table.Partitions[0].FirstLBA)
	assert.Equal(t, uint64(64+2048-1), table.Partitions[0].LastLBA)
}

func TestAnalyzeReportsSignaturesAndStrings(t *testing.T) {
	const sectors = 1 << 14
	disk := newMemDisk(sectors)
	table := &Table{
		DiskGUID: uuid.New(),
		Partitions: []Partition{
			{GUID: uuid.New(), FirstLBA: FirstUsableLBA, LastLBA: FirstUsableLBA + 100, Name: "data"},
		},
	}
	require.NoError(t, Encode(disk, table, sectors))

	rep, err := Analyze(disk, int64(len(disk.buf)))
	require.NoError(t, err)
	assert.Equal(t, "gpt", rep.Scheme)
	require.Len(t, rep.Partitions, 1)

	descriptions := ""
	for _, s := range rep.Signatures {
		descriptions += s.Description + ";"
	}
	assert.Contains(t, descriptions, "0x55AA")
	assert.Contains(t, descriptions, "GPT header")
	assert.Contains(t, rep.Strings, "EFI PART")
	assert.Contains(t, rep.String(), "partition table: gpt")
}

func TestDetectFamiliesAssignsMatches(t *testing.T) {
	const sectors = 1 << 14
	disk := newMemDisk(sectors)
	table := &Table{
		DiskGUID: uuid.New(),
		Partitions: []Partition{
			{FirstLBA: FirstUsableLBA, LastLBA: FirstUsableLBA + 100, Name: "p0"},
		},
	}
	require.NoError(t, Encode(disk, table, sectors))

	decoded, err := Decode(disk)
	require.NoError(t, err)

	err = DetectFamilies(context.TODO(), disk, decoded, map[string]FamilyDetector{
		"always": func(io.ReaderAt) bool { return true },
	})
	require.NoError(t, err)
	assert.Equal(t, "always", decoded.Partitions[0].Family)
}

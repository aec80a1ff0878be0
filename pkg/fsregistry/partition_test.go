package fsregistry_test

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesfs/moses/pkg/exfat"
	"github.com/mosesfs/moses/pkg/ext"
	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/fsregistry"
	"github.com/mosesfs/moses/pkg/partimg"
)

type memDisk struct {
	buf []byte
	pos int64
}

func (m *memDisk) Write(p []byte) (int, error) {
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

// TestOpenPartitionsConstructsOneInstancePerPartition is the
// cross-partition scenario: a GPT disk carrying an ext partition and
// an exFAT partition must yield exactly two filesystem instances, one
// per family, each reading at its partition's byte offset.
func TestOpenPartitionsConstructsOneInstancePerPartition(t *testing.T) {
	const sectors = 1 << 17 // 64 MiB of 512-byte sectors
	disk := &memDisk{buf: make([]byte, sectors*512)}

	table := &partimg.Table{
		DiskGUID: uuid.New(),
		Partitions: []partimg.Partition{
			{GUID: uuid.New(), FirstLBA: 2048, LastLBA: 2048 + 16384 - 1, Name: "linux"},
			{GUID: uuid.New(), FirstLBA: 18432, LastLBA: 18432 + 16384 - 1, Name: "media"},
		},
	}
	require.NoError(t, partimg.Encode(disk, table, sectors))

	require.NoError(t, ext.Format(fsregistry.PartitionSection(disk, table.Partitions[0]), fsops.FormatOptions{VolumeLabel: "LINUX"}))
	require.NoError(t, exfat.Format(fsregistry.PartitionSection(disk, table.Partitions[1]), fsops.FormatOptions{VolumeLabel: "MEDIA"}))

	// A file inside the second partition proves the constructed
	// instance reads at the partition's offset, not the disk's origin.
	v, err := exfat.Open(fsregistry.PartitionSection(disk, table.Partitions[1]))
	require.NoError(t, err)
	w, err := v.Create("/marker.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("second partition"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, v.Close())

	reg := fsregistry.New()
	reg.Register(ext.RegistryEntry())
	reg.Register(exfat.RegistryEntry())

	parts, err := reg.OpenPartitions(disk)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, 0, parts[0].Index)
	assert.Equal(t, "ext", parts[0].Family)
	entries, err := parts[0].Ops.List("/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, 1, parts[1].Index)
	assert.Equal(t, "exfat", parts[1].Family)
	entries, err = parts[1].Ops.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "marker.txt", entries[0].Name)

	r, err := parts[1].Ops.Open("/marker.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "second partition", string(data))
}

func TestOpenPartitionReturnsRequestedIndex(t *testing.T) {
	const sectors = 1 << 16
	disk := &memDisk{buf: make([]byte, sectors*512)}
	table := &partimg.Table{
		DiskGUID: uuid.New(),
		Partitions: []partimg.Partition{
			{GUID: uuid.New(), FirstLBA: 2048, LastLBA: 2048 + 16384 - 1, Name: "only"},
		},
	}
	require.NoError(t, partimg.Encode(disk, table, sectors))
	require.NoError(t, ext.Format(fsregistry.PartitionSection(disk, table.Partitions[0]), fsops.FormatOptions{VolumeLabel: "ONLY"}))

	reg := fsregistry.New()
	reg.Register(ext.RegistryEntry())

	ops, family, err := reg.OpenPartition(disk, 0)
	require.NoError(t, err)
	assert.Equal(t, "ext", family)
	_, err = ops.List("/")
	assert.NoError(t, err)

	_, _, err = reg.OpenPartition(disk, 5)
	assert.Error(t, err)
}

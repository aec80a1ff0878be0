// Package exfat implements exFAT: boot-sector/BPB parsing, the
// 32-bit FAT and cluster-heap allocation bitmap, the upcase table,
// and the File/Stream/FileName directory-entry chain, all behind
// fsops.Ops. Ported from the pack's read-only exFAT reference
// (dsoprea/go-exfat), with symmetric writer logic added since that
// reference only reads.
package exfat

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/go-restruct/restruct"

	"github.com/mosesfs/moses/pkg/ferr"
)

const (
	bootSectorSize = 512
	signatureOff   = 3
	signatureLen   = 8

	dirEntrySize = 32

	entryTypeEndOfDirectory = 0x00
	entryTypeBitmap         = 0x81
	entryTypeUpcase         = 0x82
	entryTypeVolumeLabel    = 0x83
	entryTypeFile           = 0x85
	entryTypeStream         = 0xC0
	entryTypeFileName       = 0xC1
	entryInUseBit           = 0x80

	firstClusterOfHeap = 2
)

// Signature is the required 8-byte exFAT filesystem-name field.
var Signature = [8]byte{'E', 'X', 'F', 'A', 'T', ' ', ' ', ' '}

// bootSectorHeader mirrors the mandatory fields of the Main Boot
// Sector, restricted to what this package needs to mount and allocate
// a volume (timestamps, boot code, and OEM parameters are skipped).
type bootSectorHeader struct {
	JumpBoot                    [3]byte
	FileSystemName              [8]byte
	MustBeZero                  [53]byte
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory uint32
	VolumeSerialNumber          uint32
	FileSystemRevision          uint16
	VolumeFlags                 uint16
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
}

// geometry is the decoded, unit-converted view every other file in
// this package operates against.
type geometry struct {
	bytesPerSector    int64
	sectorsPerCluster int64
	fatOffset         int64 // bytes
	fatLength         int64 // bytes
	numFATs           int64
	clusterHeapOffset int64 // bytes
	clusterCount      int64
	rootCluster       int64
}

func (g geometry) clusterSize() int64 { return g.bytesPerSector * g.sectorsPerCluster }

func (g geometry) clusterOffset(cluster int64) int64 {
	return g.clusterHeapOffset + (cluster-firstClusterOfHeap)*g.clusterSize()
}

func decodeBootSector(raw []byte) (geometry, error) {
	var h bootSectorHeader
	if err := restruct.Unpack(raw, binary.LittleEndian, &h); err != nil {
		return geometry{}, ferr.Corruption(ferr.SeverityModerate, "exFAT boot sector decode: %v", err)
	}
	if h.FileSystemName != Signature {
		return geometry{}, ferr.ValidationFailed("FileSystemName", string(Signature[:]), string(h.FileSystemName[:]))
	}
	if h.BytesPerSectorShift < 9 || h.BytesPerSectorShift > 12 {
		return geometry{}, ferr.Corruption(ferr.SeverityModerate, "invalid BytesPerSectorShift %d", h.BytesPerSectorShift)
	}

	g := geometry{
		bytesPerSector:    1 << h.BytesPerSectorShift,
		sectorsPerCluster: 1 << h.SectorsPerClusterShift,
		numFATs:           int64(h.NumberOfFats),
		clusterCount:      int64(h.ClusterCount),
		rootCluster:       int64(h.FirstClusterOfRootDirectory),
	}
	g.fatOffset = int64(h.FatOffset) * g.bytesPerSector
	g.fatLength = int64(h.FatLength) * g.bytesPerSector
	g.clusterHeapOffset = int64(h.ClusterHeapOffset) * g.bytesPerSector
	return g, nil
}

// Detect reports whether r looks like an exFAT volume: boot-sector
// signature 0x55AA plus the "EXFAT   " filesystem name at offset 3.
func Detect(r io.ReaderAt) bool {
	buf := make([]byte, bootSectorSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return false
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		return false
	}
	var name [8]byte
	copy(name[:], buf[signatureOff:signatureOff+signatureLen])
	return name == Signature
}

// Volume is an open exFAT filesystem, implementing fsops.Ops.
type Volume struct {
	mu sync.Mutex

	dev      io.ReadWriteSeeker
	geo      geometry
	fat      []byte // whole active FAT, cached in memory
	readOnly bool

	bitmapCluster int64
	bitmapSize    uint64 // bytes the on-disk bitmap spans
	upcase        []uint16
}

func (v *Volume) readAt(offset, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := v.dev.Seek(offset, io.SeekStart); err != nil {
		return nil, ferr.IO(offset, err)
	}
	if _, err := io.ReadFull(v.dev, buf); err != nil {
		return nil, ferr.IO(offset, err)
	}
	return buf, nil
}

func (v *Volume) writeAt(offset int64, data []byte) error {
	if _, err := v.dev.Seek(offset, io.SeekStart); err != nil {
		return ferr.IO(offset, err)
	}
	if _, err := v.dev.Write(data); err != nil {
		return ferr.IO(offset, err)
	}
	return nil
}

func (v *Volume) readCluster(cluster int64) ([]byte, error) {
	return v.readAt(v.geo.clusterOffset(cluster), v.geo.clusterSize())
}

func (v *Volume) writeCluster(cluster int64, data []byte) error {
	buf := make([]byte, v.geo.clusterSize())
	copy(buf, data)
	return v.writeAt(v.geo.clusterOffset(cluster), buf)
}

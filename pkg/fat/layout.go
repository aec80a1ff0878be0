// Package fat implements FAT12/16/32: BIOS parameter block parsing,
// FAT table cluster-chain walking and allocation, 8.3 directory
// entries, and a Format compiler, all behind fsops.Ops.
package fat

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/go-restruct/restruct"

	"github.com/mosesfs/moses/pkg/ferr"
)

// Type identifies which FAT width a volume uses, decided from its
// cluster count (BPB16 and BPB32 share almost every field; only
// cluster count distinguishes FAT12 from FAT16 from FAT32).
type Type int

const (
	Type12 Type = iota
	Type16
	Type32
)

const (
	bootSectorSize  = 512
	dirEntrySize    = 32
	maxFAT12Cluster = 0xFF5
	maxFAT16Cluster = 0xFFF5

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDirectory = 0x10
	attrArchive  = 0x20
	attrLongName = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	deletedMark = 0xE5
	freeEntry   = 0x00
)

// bpb is the common prefix of the FAT12/16/32 BIOS parameter block.
type bpb struct {
	JumpBoot       [3]byte
	OEMName        [8]byte
	BytesPerSector uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// bpb32Extension carries the FAT32-only fields immediately after bpb.
type bpb32Extension struct {
	FATSize32      uint32
	ExtFlags       uint16
	FSVersion      uint16
	RootCluster    uint32
	FSInfoSector   uint16
	BackupBootSec  uint16
	_              [12]byte
	DriveNumber    uint8
	_              uint8
	BootSignature  uint8
	VolumeID       uint32
	VolumeLabel    [11]byte
	FileSystemType [8]byte
}

// geometry is the decoded, unit-converted view of a volume's BPB that
// every other file in this package operates against.
type geometry struct {
	typ Type

	bytesPerSector    int64
	sectorsPerCluster int64
	reservedSectors   int64
	numFATs           int64
	fatSizeSectors    int64
	rootEntryCount    int64
	totalSectors      int64
	rootCluster       int64 // FAT32 only

	fatStart        int64 // byte offset
	rootDirStart    int64 // byte offset; FAT12/16 only
	rootDirSectors  int64
	dataStart       int64 // byte offset
	clusterCount    int64
}

func (g geometry) clusterSize() int64 { return g.bytesPerSector * g.sectorsPerCluster }

func (g geometry) clusterOffset(cluster int64) int64 {
	return g.dataStart + (cluster-2)*g.clusterSize()
}

func decodeBPB(raw []byte) (geometry, error) {
	var b bpb
	if err := restruct.Unpack(raw, binary.LittleEndian, &b); err != nil {
		return geometry{}, ferr.Corruption(ferr.SeverityModerate, "BPB decode: %v", err)
	}
	if b.BytesPerSector == 0 || b.SectorsPerCluster == 0 {
		return geometry{}, ferr.Corruption(ferr.SeverityModerate, "invalid BPB: zero sector or cluster size")
	}

	g := geometry{
		bytesPerSector:    int64(b.BytesPerSector),
		sectorsPerCluster: int64(b.SectorsPerCluster),
		reservedSectors:   int64(b.ReservedSectors),
		numFATs:           int64(b.NumFATs),
		rootEntryCount:    int64(b.RootEntryCount),
	}
	if b.TotalSectors16 != 0 {
		g.totalSectors = int64(b.TotalSectors16)
	} else {
		g.totalSectors = int64(b.TotalSectors32)
	}

	g.rootDirSectors = ((g.rootEntryCount * dirEntrySize) + (g.bytesPerSector - 1)) / g.bytesPerSector

	if b.FATSize16 != 0 {
		g.fatSizeSectors = int64(b.FATSize16)
		g.fatStart = g.reservedSectors * g.bytesPerSector
		g.rootDirStart = g.fatStart + g.numFATs*g.fatSizeSectors*g.bytesPerSector
		g.dataStart = g.rootDirStart + g.rootDirSectors*g.bytesPerSector
	} else {
		var ext bpb32Extension
		if err := restruct.Unpack(raw[36:90], binary.LittleEndian, &ext); err != nil {
			return geometry{}, ferr.Corruption(ferr.SeverityModerate, "FAT32 BPB extension decode: %v", err)
		}
		g.fatSizeSectors = int64(ext.FATSize32)
		g.rootCluster = int64(ext.RootCluster)
		g.fatStart = g.reservedSectors * g.bytesPerSector
		g.dataStart = g.fatStart + g.numFATs*g.fatSizeSectors*g.bytesPerSector
	}

	dataSectors := g.totalSectors - (g.dataStart / g.bytesPerSector)
	g.clusterCount = dataSectors / g.sectorsPerCluster

	switch {
	case g.clusterCount < maxFAT12Cluster:
		g.typ = Type12
	case g.clusterCount < maxFAT16Cluster:
		g.typ = Type16
	default:
		g.typ = Type32
	}

	return g, nil
}

// Detect reports whether r looks like a FAT12/16/32 volume, checking
// the 0x55AA boot-sector signature and a plausible BPB.
func Detect(r io.ReaderAt) bool {
	buf := make([]byte, bootSectorSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return false
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		return false
	}
	_, err := decodeBPB(buf)
	return err == nil
}

// Volume is an open FAT12/16/32 filesystem, implementing fsops.Ops.
type Volume struct {
	mu sync.Mutex

	dev      io.ReadWriteSeeker
	geo      geometry
	fat      []byte // the whole active FAT table, cached in memory
	readOnly bool
}

func (v *Volume) readSector(offset int64, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := v.dev.Seek(offset, io.SeekStart); err != nil {
		return nil, ferr.IO(offset, err)
	}
	if _, err := io.ReadFull(v.dev, buf); err != nil {
		return nil, ferr.IO(offset, err)
	}
	return buf, nil
}

func (v *Volume) writeSector(offset int64, data []byte) error {
	if _, err := v.dev.Seek(offset, io.SeekStart); err != nil {
		return ferr.IO(offset, err)
	}
	if _, err := v.dev.Write(data); err != nil {
		return ferr.IO(offset, err)
	}
	return nil
}

func (v *Volume) readCluster(cluster int64) ([]byte, error) {
	return v.readSector(v.geo.clusterOffset(cluster), v.geo.clusterSize())
}

func (v *Volume) writeCluster(cluster int64, data []byte) error {
	buf := make([]byte, v.geo.clusterSize())
	copy(buf, data)
	return v.writeSector(v.geo.clusterOffset(cluster), buf)
}

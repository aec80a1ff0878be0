package fat

import (
	"io"

	"github.com/mosesfs/moses/pkg/fsops"
)

// Format writes a fresh FAT12/16/32 volume to rw, sized from the
// device's length and opts.ClusterSize, built directly from the BIOS
// parameter block layout.
func Format(rw io.ReadWriteSeeker, opts fsops.FormatOptions) error {
	size, err := rw.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	const bytesPerSector = 512
	clusterSize := opts.ClusterSize
	if clusterSize == 0 {
		clusterSize = 4096
	}
	sectorsPerCluster := uint8(clusterSize / bytesPerSector)
	if sectorsPerCluster == 0 {
		sectorsPerCluster = 1
	}

	totalSectors := uint32(size / bytesPerSector)
	numFATs := uint8(2)

	// Pick the width from an approximate cluster count: every sector
	// after the boot sector divided by the cluster size. Unlike
	// decodeBPB, this does not subtract reserved, FAT or root-directory
	// sectors, so close to a threshold it counts more clusters than
	// decodeBPB later derives from the finished BPB.
	approxClusters := (totalSectors - 1) / uint32(sectorsPerCluster)

	var typ Type
	switch {
	case approxClusters < maxFAT12Cluster:
		typ = Type12
	case approxClusters < maxFAT16Cluster:
		typ = Type16
	default:
		typ = Type32
	}

	reservedSectors := uint16(1)
	if typ == Type32 {
		reservedSectors = 32 // room for the FSInfo sector and the backup boot region
	}

	label := opts.VolumeLabel
	if label == "" {
		label = "NO NAME"
	}

	boot := make([]byte, bytesPerSector)
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], "MOSES   ")
	putLE16(boot[11:13], bytesPerSector)
	boot[13] = sectorsPerCluster
	putLE16(boot[14:16], reservedSectors)
	boot[16] = numFATs
	boot[21] = 0xF8 // fixed disk

	var rootEntryCount uint16
	var fatSizeSectors uint32

	if typ != Type32 {
		rootEntryCount = 512
		rootDirSectors := (uint32(rootEntryCount)*dirEntrySize + bytesPerSector - 1) / bytesPerSector
		fatSizeSectors = fatSizeFor(typ, totalSectors, reservedSectors, rootDirSectors, uint32(sectorsPerCluster))

		putLE16(boot[17:19], rootEntryCount)
		if totalSectors < 0x10000 {
			putLE16(boot[19:21], uint16(totalSectors))
		} else {
			putLE32(boot[32:36], totalSectors)
		}
		putLE16(boot[22:24], uint16(fatSizeSectors))
		boot[38] = 0x29 // BS_BootSig: volume carries serial + label
		copy(boot[43:54], padLabel(label))
		if typ == Type12 {
			copy(boot[54:62], "FAT12   ")
		} else {
			copy(boot[54:62], "FAT16   ")
		}
	} else {
		fatSizeSectors = fatSizeFor(typ, totalSectors, reservedSectors, 0, uint32(sectorsPerCluster))
		putLE32(boot[32:36], totalSectors)
		putLE32(boot[36:40], fatSizeSectors) // BPB_FATSz32
		putLE16(boot[44:46], 2)              // BPB_RootClus
		putLE16(boot[48:50], 1)              // BPB_FSInfo
		putLE16(boot[50:52], 6)              // BPB_BkBootSec
		boot[66] = 0x29                      // BS_BootSig: volume carries serial + label
		copy(boot[71:82], padLabel(label))
		copy(boot[82:90], "FAT32   ")
	}

	boot[510] = 0x55
	boot[511] = 0xAA

	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := rw.Write(boot); err != nil {
		return err
	}

	if typ == Type32 {
		if err := writeFSInfo(rw, bytesPerSector, approxClusters); err != nil {
			return err
		}
		// Backup boot sector at BPB_BkBootSec.
		if _, err := rw.Seek(6*int64(bytesPerSector), io.SeekStart); err != nil {
			return err
		}
		if _, err := rw.Write(boot); err != nil {
			return err
		}
	}

	geo, err := decodeBPB(boot)
	if err != nil {
		return err
	}

	v := &Volume{dev: rw, geo: geo}
	v.fat = make([]byte, geo.fatSizeSectors*geo.bytesPerSector)
	if err := v.setEntry(0, 0x0FFFFFF8); err != nil {
		return err
	}
	if err := v.setEntry(1, v.eofMarker()); err != nil {
		return err
	}

	if typ == Type32 {
		if err := v.setEntry(2, v.eofMarker()); err != nil {
			return err
		}
		if err := v.writeCluster(2, make([]byte, geo.clusterSize())); err != nil {
			return err
		}
	}

	if err := v.flushFAT(); err != nil {
		return err
	}

	if typ != Type32 {
		empty := make([]byte, geo.rootDirSectors*geo.bytesPerSector)
		if err := v.writeSector(geo.rootDirStart, empty); err != nil {
			return err
		}
	}

	return nil
}

// padLabel space-pads a volume label to the 11-byte on-disk field.
func padLabel(label string) []byte {
	out := []byte("           ")
	copy(out, label)
	return out
}

// writeFSInfo lays down the FAT32 FSInfo sector at sector 1: lead,
// struct, and trail signatures around the free-cluster count and the
// next-free hint.
func writeFSInfo(rw io.ReadWriteSeeker, sectorSize int64, clusterCount uint32) error {
	sec := make([]byte, sectorSize)
	putLE32(sec[0:4], 0x41615252)
	putLE32(sec[484:488], 0x61417272)
	putLE32(sec[488:492], clusterCount-1) // cluster 2 holds the root directory
	putLE32(sec[492:496], 3)              // next-free hint
	putLE32(sec[508:512], 0xAA550000)
	if _, err := rw.Seek(sectorSize, io.SeekStart); err != nil {
		return err
	}
	_, err := rw.Write(sec)
	return err
}

// fatSizeFor approximates the FAT size in sectors from the cluster
// count of the sectors after the reserved and root-directory regions,
// at the width's entry size. The FAT region itself is not subtracted,
// so the result can be slightly larger than needed; FAT32 is computed
// the same way, without iteration.
func fatSizeFor(typ Type, totalSectors uint32, reserved uint16, rootDirSectors, sectorsPerCluster uint32) uint32 {
	entryBits := 16
	if typ == Type12 {
		entryBits = 12
	} else if typ == Type32 {
		entryBits = 32
	}

	dataSectors := totalSectors - uint32(reserved) - rootDirSectors
	clusters := dataSectors / sectorsPerCluster
	fatBytes := uint32(clusters) * uint32(entryBits) / 8
	fatSectors := (fatBytes + 511) / 512
	if fatSectors == 0 {
		fatSectors = 1
	}
	return fatSectors
}

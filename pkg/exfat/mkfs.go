package exfat

import (
	"io"
	"unicode/utf16"

	"github.com/mosesfs/moses/pkg/fsops"
)

// Format writes a fresh, minimal exFAT volume to rw: boot sector, one
// FAT, an allocation bitmap sized for the whole cluster heap, an
// identity upcase table (ASCII A-Z only — sufficient for this
// engine's own writer, which never emits names the identity mapping
// upcases differently), and an empty root directory, built directly
// from the boot-sector field layout the reader parses.
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
	sectorsPerCluster := clusterSize / bytesPerSector
	if sectorsPerCluster == 0 {
		sectorsPerCluster = 1
	}

	fatOffsetSectors := uint32(24) // after the 12-sector main + 12-sector backup boot regions
	totalSectors := uint64(size) / bytesPerSector

	// One FAT entry per cluster, 4 bytes each, rounded up to a whole
	// sector; iterate once since the FAT's own sector cost shifts the
	// cluster count it must describe.
	clusterCount := uint32(0)
	fatLengthSectors := uint32(1)
	for i := 0; i < 2; i++ {
		heapOffsetSectors := fatOffsetSectors + fatLengthSectors
		dataSectors := uint64(totalSectors) - uint64(heapOffsetSectors)
		clusterCount = uint32(dataSectors / uint64(sectorsPerCluster))
		fatBytes := uint64(clusterCount+2) * 4
		fatLengthSectors = uint32((fatBytes + bytesPerSector - 1) / bytesPerSector)
	}
	heapOffsetSectors := fatOffsetSectors + fatLengthSectors

	bitmapBytes := (uint64(clusterCount) + 7) / 8
	bitmapClusters := (bitmapBytes + uint64(clusterSize) - 1) / uint64(clusterSize)

	upcaseBytes := uint64(128 * 2) // identity map for code points 0..127
	upcaseClusters := (upcaseBytes + uint64(clusterSize) - 1) / uint64(clusterSize)

	bitmapCluster := int64(firstClusterOfHeap)
	upcaseCluster := bitmapCluster + int64(bitmapClusters)
	rootCluster := upcaseCluster + int64(upcaseClusters)

	boot := make([]byte, bootSectorSize)
	boot[0], boot[1], boot[2] = 0xEB, 0x76, 0x90
	copy(boot[3:11], Signature[:])
	putLE64(boot[72:80], totalSectors) // VolumeLength
	putLE32(boot[80:84], fatOffsetSectors)
	putLE32(boot[84:88], fatLengthSectors)
	putLE32(boot[88:92], heapOffsetSectors)
	putLE32(boot[92:96], clusterCount)
	putLE32(boot[96:100], uint32(rootCluster))
	putLE32(boot[100:104], 0x12345678) // VolumeSerialNumber
	putLE16(boot[104:106], 0x0100)     // FileSystemRevision 1.00
	boot[108] = 9                      // BytesPerSectorShift (512)
	shift := uint8(0)
	for s := sectorsPerCluster; s > 1; s >>= 1 {
		shift++
	}
	boot[109] = shift
	boot[110] = 1 // NumberOfFats
	boot[112] = 0 // PercentInUse unknown

	boot[510] = 0x55
	boot[511] = 0xAA

	// The boot region is 12 sectors: the boot sector, ten (here empty)
	// extended/OEM/reserved sectors, and a checksum sector whose value
	// covers the preceding eleven. Sectors 12-23 mirror the whole region.
	region := make([]byte, 12*bytesPerSector)
	copy(region, boot)
	ck := bootRegionChecksum(region[:11*bytesPerSector])
	for i := 11 * bytesPerSector; i < 12*bytesPerSector; i += 4 {
		putLE32(region[i:i+4], ck)
	}
	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := rw.Write(region); err != nil {
		return err
	}
	if _, err := rw.Write(region); err != nil {
		return err
	}

	geo, err := decodeBootSector(boot)
	if err != nil {
		return err
	}
	v := &Volume{dev: rw, geo: geo}
	v.fat = make([]byte, geo.fatLength)
	if err := v.setEntry(0, 0xFFFFFFF8); err != nil {
		return err
	}
	if err := v.setEntry(1, clusterEOCMark); err != nil {
		return err
	}
	for c := bitmapCluster; c < rootCluster; c++ {
		if err := v.setEntry(c, uint32(c+1)); err != nil {
			return err
		}
	}
	if err := v.setEntry(rootCluster-1, clusterEOCMark); err != nil {
		return err
	}
	if err := v.setEntry(rootCluster, clusterEOCMark); err != nil {
		return err
	}
	if err := v.flushFAT(); err != nil {
		return err
	}

	// The bitmap, upcase table and root directory occupy the first
	// clusters of the heap; mark them allocated.
	bitmapRaw := make([]byte, bitmapBytes)
	for c := bitmapCluster; c <= rootCluster; c++ {
		i := c - firstClusterOfHeap
		bitmapRaw[i/8] |= 1 << uint(i%8)
	}
	if err := v.writeClusterRun(bitmapCluster, bitmapRaw); err != nil {
		return err
	}

	upcase := make([]uint16, 128)
	for i := range upcase {
		upcase[i] = uint16(i)
	}
	for c := 'a'; c <= 'z'; c++ {
		upcase[c] = uint16(c - ('a' - 'A'))
	}
	upcaseRaw := make([]byte, len(upcase)*2)
	for i, u := range upcase {
		putLE16(upcaseRaw[i*2:i*2+2], u)
	}
	if err := v.writeClusterRun(upcaseCluster, upcaseRaw); err != nil {
		return err
	}

	if err := v.writeCluster(rootCluster, make([]byte, geo.clusterSize())); err != nil {
		return err
	}

	rootRaw := make([]byte, geo.clusterSize())
	off := 0
	bitmapEntry := make([]byte, dirEntrySize)
	bitmapEntry[0] = entryTypeBitmap | entryInUseBit
	putLE32(bitmapEntry[20:24], uint32(bitmapCluster))
	putLE64(bitmapEntry[24:32], bitmapBytes)
	copy(rootRaw[off:], bitmapEntry)
	off += dirEntrySize

	upcaseEntry := make([]byte, dirEntrySize)
	upcaseEntry[0] = entryTypeUpcase | entryInUseBit
	putLE32(upcaseEntry[20:24], uint32(upcaseCluster))
	putLE64(upcaseEntry[24:32], upcaseBytes)
	copy(rootRaw[off:], upcaseEntry)

	if label := opts.VolumeLabel; label != "" {
		units := utf16.Encode([]rune(label))
		labelEntry := make([]byte, dirEntrySize)
		labelEntry[0] = entryTypeVolumeLabel | entryInUseBit
		labelEntry[1] = byte(len(units))
		for i, u := range units {
			if i >= 11 {
				break
			}
			putLE16(labelEntry[2+i*2:4+i*2], u)
		}
		off += dirEntrySize
		copy(rootRaw[off:], labelEntry)
	}

	return v.writeCluster(rootCluster, rootRaw)
}

// bootRegionChecksum computes the rotate-right checksum over the first
// eleven boot-region sectors, skipping the VolumeFlags and PercentInUse
// bytes the volume mutates after formatting.
func bootRegionChecksum(region []byte) uint32 {
	var sum uint32
	for i, b := range region {
		if i == 106 || i == 107 || i == 112 {
			continue
		}
		sum = (sum>>1 | sum<<31) + uint32(b)
	}
	return sum
}

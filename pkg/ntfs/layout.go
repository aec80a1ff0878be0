// Package ntfs implements enough of NTFS to mount, list, read, and
// write a volume behind fsops.Ops: boot-sector/BPB parsing, MFT
// records with update-sequence-array fixup, resident and non-resident
// attributes with run-list decoding, a simplified single-attribute
// directory index, and MFT-record/cluster allocation. It is built
// directly from the documented on-disk layout, structured like
// pkg/ext's fixed-header, iterate-until-terminator idiom for
// consistency with the rest of the engine.
package ntfs

import (
	"io"
	"sync"

	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/ntfslog"
)

const (
	bootSectorSize = 512

	mftRecordSize  = 1024
	mftSignature   = "FILE"
	sectorStride   = 512 // unit the update-sequence-array fixup applies per

	// Reserved MFT record numbers; record allocation starts past these.
	recordMFT        = 0
	recordMFTMirr    = 1
	recordLogFile    = 2
	recordVolume     = 3
	recordAttrDef    = 4
	recordRoot       = 5
	recordBitmap     = 6
	recordBoot       = 7
	recordBadClus    = 8
	recordSecure     = 9
	recordUpCase     = 10
	firstUserRecord  = 11

	flagRecordInUse   = 0x0001
	flagRecordIsDir   = 0x0002

	attrStandardInformation = 0x10
	attrFileName            = 0x30
	attrData                = 0x80
	attrIndexRoot           = 0x90
	attrEnd                 = 0xFFFFFFFF

	fileAttrDirectory = 0x10000000
	fileAttrArchive   = 0x00000020
	fileAttrReadOnly  = 0x00000001
)

// bootSector mirrors the fields this package needs from NTFS's boot
// sector: BPB geometry plus the MFT/MFT-mirror start clusters and the
// signed clusters-per-record byte.
type bootSector struct {
	bytesPerSector       uint16
	sectorsPerCluster    uint8
	mftStartCluster      int64
	mftMirrStartCluster  int64
	clustersPerMFTRecord int8
	totalSectors         uint64
	bitmapStartCluster   int64
	bitmapLengthClusters int64
	logStartCluster      int64
	logLengthClusters    int64
	volumeSerial         uint64
	mftReservedClusters  int64 // size of the MFT's reserved, contiguous record area
}

// OEMID is the required boot-sector OEM identifier.
var OEMID = [8]byte{'N', 'T', 'F', 'S', ' ', ' ', ' ', ' '}

func (b bootSector) clusterSize() int64 {
	return int64(b.bytesPerSector) * int64(b.sectorsPerCluster)
}

func (b bootSector) clusterOffset(cluster int64) int64 {
	return cluster * b.clusterSize()
}

// mftRecordSizeBytes resolves the signed clusters-per-record encoding:
// positive means a cluster count, negative means 2^|n| bytes (NTFS
// uses this for record sizes smaller than one cluster).
func (b bootSector) mftRecordSizeBytes() int64 {
	if b.clustersPerMFTRecord >= 0 {
		return int64(b.clustersPerMFTRecord) * b.clusterSize()
	}
	return 1 << uint(-b.clustersPerMFTRecord)
}

func decodeBootSector(raw []byte) (bootSector, error) {
	if len(raw) < bootSectorSize {
		return bootSector{}, ferr.Corruption(ferr.SeverityModerate, "NTFS boot sector short read")
	}
	var oem [8]byte
	copy(oem[:], raw[3:11])
	if oem != OEMID {
		return bootSector{}, ferr.ValidationFailed("OEMID", string(OEMID[:]), string(oem[:]))
	}

	b := bootSector{
		bytesPerSector:    le16(raw[11:13]),
		sectorsPerCluster: raw[13],
		totalSectors:      le64(raw[40:48]),
	}
	if b.bytesPerSector == 0 || b.sectorsPerCluster == 0 {
		return bootSector{}, ferr.Corruption(ferr.SeverityModerate, "invalid NTFS BPB geometry")
	}
	b.mftStartCluster = int64(le64(raw[48:56]))
	b.mftMirrStartCluster = int64(le64(raw[56:64]))
	b.clustersPerMFTRecord = int8(raw[64])
	b.volumeSerial = le64(raw[72:80])
	b.bitmapStartCluster = int64(le64(raw[80:88]))
	b.bitmapLengthClusters = int64(le64(raw[88:96]))
	b.logStartCluster = int64(le64(raw[96:104]))
	b.logLengthClusters = int64(le64(raw[104:112]))
	b.mftReservedClusters = int64(le64(raw[112:120]))
	return b, nil
}

// mftCapacity is the number of MFT record slots the reserved MFT area
// holds. Growing the MFT beyond what mkfs reserved is not supported;
// Format reserves a fixed 256 records whatever the volume size.
func (b bootSector) mftCapacity() int64 {
	return (b.mftReservedClusters * b.clusterSize()) / mftRecordSize
}

func encodeBootSector(b bootSector) []byte {
	raw := make([]byte, bootSectorSize)
	raw[0], raw[1], raw[2] = 0xEB, 0x52, 0x90
	copy(raw[3:11], OEMID[:])
	putLE16(raw[11:13], b.bytesPerSector)
	raw[13] = b.sectorsPerCluster
	putLE64(raw[40:48], b.totalSectors)
	putLE64(raw[48:56], uint64(b.mftStartCluster))
	putLE64(raw[56:64], uint64(b.mftMirrStartCluster))
	raw[64] = byte(b.clustersPerMFTRecord)
	putLE64(raw[72:80], b.volumeSerial)
	putLE64(raw[80:88], uint64(b.bitmapStartCluster))
	putLE64(raw[88:96], uint64(b.bitmapLengthClusters))
	putLE64(raw[96:104], uint64(b.logStartCluster))
	putLE64(raw[104:112], uint64(b.logLengthClusters))
	putLE64(raw[112:120], uint64(b.mftReservedClusters))
	raw[510] = 0x55
	raw[511] = 0xAA
	return raw
}

// Detect reports whether r looks like an NTFS volume: boot-sector
// signature 0x55AA plus the "NTFS    " OEM identifier.
func Detect(r io.ReaderAt) bool {
	buf := make([]byte, bootSectorSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return false
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		return false
	}
	var oem [8]byte
	copy(oem[:], buf[3:11])
	return oem == OEMID
}

// Volume is an open NTFS filesystem, implementing fsops.Ops.
type Volume struct {
	mu sync.Mutex

	dev      io.ReadWriteSeeker
	boot     bootSector
	readOnly bool

	log *ntfslog.Log

	nextAttrIDHint uint16
	nextUSN        uint16
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

// logChunkBytes bounds the redo+undo payload of one log record so a
// record always fits a single $LogFile page.
const logChunkBytes = 1536

// writeAt writes through the $LogFile when one is attached: the old
// bytes are captured as undo data and redo/undo records are durably
// appended before the in-place write happens, so recovery can replay
// the redo data if the process dies between the two. Writes larger
// than one log page's payload are logged as a chunk series sharing the
// write's offset arithmetic.
func (v *Volume) writeAt(offset int64, data []byte) error {
	if v.log != nil {
		old, err := v.readAt(offset, int64(len(data)))
		if err != nil {
			return err
		}
		for start := 0; start < len(data); start += logChunkBytes {
			end := start + logChunkBytes
			if end > len(data) {
				end = len(data)
			}
			if _, err := v.log.Append(&ntfslog.Record{
				TargetVCN: uint64(offset + int64(start)),
				RedoData:  data[start:end],
				UndoData:  old[start:end],
			}); err != nil {
				return err
			}
		}
	}
	if _, err := v.dev.Seek(offset, io.SeekStart); err != nil {
		return ferr.IO(offset, err)
	}
	if _, err := v.dev.Write(data); err != nil {
		return ferr.IO(offset, err)
	}
	return nil
}

func (v *Volume) readCluster(cluster int64) ([]byte, error) {
	return v.readAt(v.boot.clusterOffset(cluster), v.boot.clusterSize())
}

func (v *Volume) writeCluster(cluster int64, data []byte) error {
	buf := make([]byte, v.boot.clusterSize())
	copy(buf, data)
	return v.writeAt(v.boot.clusterOffset(cluster), buf)
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}

package ntfs

import (
	"io"

	"github.com/mosesfs/moses/pkg/alloc"
	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/ntfslog"
)

// Format writes a fresh, minimal NTFS volume to rw: boot sector, a
// reserved MFT area sized for a modest number of records, an
// allocation bitmap covering the whole cluster heap, a small
// $LogFile region, and an empty root directory, mirroring the
// boot-sector and reserved-record layout this package's reader/writer
// already assume.
func Format(rw io.ReadWriteSeeker, opts fsops.FormatOptions) error {
	size, err := rw.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	const bytesPerSector = 512
	clusterSize := int64(opts.ClusterSize)
	if clusterSize == 0 {
		clusterSize = 4096
	}
	sectorsPerCluster := uint8(clusterSize / bytesPerSector)
	if sectorsPerCluster == 0 {
		sectorsPerCluster = 1
	}
	totalSectors := uint64(size / bytesPerSector)
	totalClusters := size / clusterSize

	const (
		mftStart    = int64(4)
		mftRecords  = int64(256) // generous for this engine's single-index-record directories
	)
	mftReservedClusters := (mftRecords*mftRecordSize + clusterSize - 1) / clusterSize

	bitmapStart := mftStart + mftReservedClusters
	bitmapBytes := (totalClusters + 7) / 8
	bitmapClusters := (bitmapBytes + clusterSize - 1) / clusterSize

	logStart := bitmapStart + bitmapClusters
	logClusters := (16 * ntfslog.PageSize) / clusterSize
	if logClusters < 1 {
		logClusters = 1
	}

	boot := bootSector{
		bytesPerSector:       bytesPerSector,
		sectorsPerCluster:    sectorsPerCluster,
		mftStartCluster:      mftStart,
		mftMirrStartCluster:  mftStart, // no separate mirror area; recorded as a simplification
		clustersPerMFTRecord: int8(-10), // 2^10 == 1024-byte records regardless of cluster size
		totalSectors:         totalSectors,
		bitmapStartCluster:   bitmapStart,
		bitmapLengthClusters: bitmapClusters,
		logStartCluster:      logStart,
		logLengthClusters:    logClusters,
		mftReservedClusters:  mftReservedClusters,
	}

	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := rw.Write(encodeBootSector(boot)); err != nil {
		return err
	}

	v := &Volume{dev: rw, boot: boot, nextUSN: 1}

	zero := make([]byte, mftRecordSize)
	for n := int64(0); n < mftRecords; n++ {
		if _, err := rw.Seek(v.mftRecordOffset(n), io.SeekStart); err != nil {
			return err
		}
		if _, err := rw.Write(zero); err != nil {
			return err
		}
	}

	mftRecord := record{
		number: recordMFT,
		flags:  flagRecordInUse,
		attributes: []attribute{{
			typ: attrData, nonResident: true,
			runs:     []run{{length: mftReservedClusters, lcn: mftStart}},
			realSize: uint64(mftReservedClusters * clusterSize),
		}},
	}
	if err := v.writeRecord(mftRecord); err != nil {
		return err
	}

	for _, n := range []int64{recordMFTMirr, recordLogFile, recordVolume, recordAttrDef, recordBitmap, recordBoot, recordBadClus, recordSecure, recordUpCase} {
		if err := v.writeRecord(record{number: n, flags: flagRecordInUse}); err != nil {
			return err
		}
	}

	rootRecord := record{number: recordRoot, flags: flagRecordInUse | flagRecordIsDir}
	if err := v.writeIndex(rootRecord, nil); err != nil {
		return err
	}

	bm := alloc.NewBitmap(totalClusters)
	for c := int64(0); c < bitmapStart+bitmapClusters+logClusters; c++ {
		if err := bm.Set(c); err != nil {
			break
		}
	}
	return v.flushClusterBitmap(bm)
}

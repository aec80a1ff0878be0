package ntfs

import (
	"io"

	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/ntfslog"
)

// Open mounts an existing NTFS volume read-write. If the boot sector
// names a non-empty $LogFile region, a ntfslog.Log is attached and its
// Recover pass runs before any caller operation is accepted. That Log
// starts empty and does not read records an earlier session left in
// the region, so the mount-time pass has nothing to replay.
func Open(rw io.ReadWriteSeeker) (*Volume, error) {
	return open(rw, false)
}

// OpenReadOnly mounts an existing volume without attaching $LogFile;
// Create/Mkdir/Remove/Rename all fail.
func OpenReadOnly(rw io.ReadWriteSeeker) (*Volume, error) {
	return open(rw, true)
}

func open(rw io.ReadWriteSeeker, readOnly bool) (*Volume, error) {
	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return nil, ferr.IO(0, err)
	}
	raw := make([]byte, bootSectorSize)
	if _, err := io.ReadFull(rw, raw); err != nil {
		return nil, ferr.IO(0, err)
	}
	boot, err := decodeBootSector(raw)
	if err != nil {
		return nil, err
	}

	v := &Volume{dev: rw, boot: boot, readOnly: readOnly, nextUSN: 1}

	if !readOnly && boot.logLengthClusters > 0 {
		applyAt := func(rec ntfslog.Record, data []byte) error {
			if len(data) == 0 {
				return nil
			}
			if _, err := rw.Seek(int64(rec.TargetVCN), io.SeekStart); err != nil {
				return ferr.IO(int64(rec.TargetVCN), err)
			}
			if _, err := rw.Write(data); err != nil {
				return ferr.IO(int64(rec.TargetVCN), err)
			}
			return nil
		}
		log, err := ntfslog.Open(ntfslog.Options{
			Device:    rw,
			StartPage: boot.clusterOffset(boot.logStartCluster) / ntfslog.PageSize,
			NumPages:  boot.logLengthClusters * boot.clusterSize() / ntfslog.PageSize,
			ApplyRedo: func(rec ntfslog.Record) error { return applyAt(rec, rec.RedoData) },
			ApplyUndo: func(rec ntfslog.Record) error { return applyAt(rec, rec.UndoData) },
		})
		if err != nil {
			return nil, err
		}
		if err := log.Recover(); err != nil {
			return nil, err
		}
		v.log = log
	}

	return v, nil
}

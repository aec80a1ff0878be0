package fsregistry

import (
	"io"

	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/partimg"
)

// DeviceHandle is what per-partition construction needs from a
// whole-device handle: cursor I/O for the family constructors plus
// random reads for table decode and detection probes. device.Seeker
// satisfies it.
type DeviceHandle interface {
	io.ReadWriteSeeker
	io.ReaderAt
}

// PartitionOps pairs one decoded partition with the filesystem
// instance constructed at its byte offset.
type PartitionOps struct {
	Index     int
	Partition partimg.Partition
	Family    string
	Ops       fsops.Ops
}

// OpenPartitions decodes rw's partition table and constructs one
// read-only filesystem instance per partition whose first sector a
// registered family recognizes, each rebased to its partition's byte
// offset. Partitions no detector claims are skipped rather than
// failing the whole device.
func (r *Registry) OpenPartitions(rw DeviceHandle) ([]PartitionOps, error) {
	table, err := partimg.Decode(rw)
	if err != nil {
		return nil, err
	}
	var out []PartitionOps
	for i, p := range table.Partitions {
		ops, family, err := r.openPartition(rw, p)
		if err != nil {
			if ferr.Is(err, ferr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, PartitionOps{Index: i, Partition: p, Family: family, Ops: ops})
	}
	return out, nil
}

// OpenPartition constructs a read-only filesystem instance for the
// idx'th partition of rw's table.
func (r *Registry) OpenPartition(rw DeviceHandle, idx int) (fsops.Ops, string, error) {
	table, err := partimg.Decode(rw)
	if err != nil {
		return nil, "", err
	}
	if idx < 0 || idx >= len(table.Partitions) {
		return nil, "", ferr.InvalidArgument("partition index %d out of range (%d partitions)", idx, len(table.Partitions))
	}
	return r.openPartition(rw, table.Partitions[idx])
}

func (r *Registry) openPartition(rw DeviceHandle, p partimg.Partition) (fsops.Ops, string, error) {
	base := int64(p.FirstLBA) * partimg.SectorSize
	length := int64(p.LastLBA-p.FirstLBA+1) * partimg.SectorSize
	family, err := r.Detect(io.NewSectionReader(rw, base, length))
	if err != nil {
		return nil, "", err
	}
	entry, err := r.Lookup(family)
	if err != nil {
		return nil, "", err
	}
	ops, err := entry.NewReader(PartitionSection(rw, p))
	if err != nil {
		return nil, "", err
	}
	return ops, family, nil
}

// PartitionSection returns an io.ReadWriteSeeker over p's extent of
// rw, so a family's Format/Open see partition-relative offsets without
// knowing they are inside a partition.
func PartitionSection(rw DeviceHandle, p partimg.Partition) io.ReadWriteSeeker {
	return &partitionSection{
		rw:   rw,
		base: int64(p.FirstLBA) * partimg.SectorSize,
		size: int64(p.LastLBA-p.FirstLBA+1) * partimg.SectorSize,
	}
}

type partitionSection struct {
	rw   DeviceHandle
	base int64
	size int64
	pos  int64
}

func (s *partitionSection) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if remaining := s.size - s.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.rw.ReadAt(p, s.base+s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *partitionSection) Write(p []byte) (int, error) {
	if s.pos+int64(len(p)) > s.size {
		return 0, ferr.IO(s.base+s.pos, io.ErrShortWrite)
	}
	if _, err := s.rw.Seek(s.base+s.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := s.rw.Write(p)
	s.pos += int64(n)
	return n, err
}

func (s *partitionSection) Seek(offset int64, whence int) (int64, error) {
	var from int64
	switch whence {
	case io.SeekStart:
		from = 0
	case io.SeekCurrent:
		from = s.pos
	case io.SeekEnd:
		from = s.size
	}
	pos := from + offset
	if pos < 0 {
		return 0, ferr.InvalidArgument("seek before partition start")
	}
	s.pos = pos
	return pos, nil
}

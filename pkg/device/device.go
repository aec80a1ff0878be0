// Package device implements aligned block-device I/O: every read and
// write is rounded out to sector boundaries before it reaches the
// underlying handle, and sub-sector writes go through a
// read-modify-write cycle instead of corrupting neighbouring bytes.
package device

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mosesfs/moses/pkg/ferr"
)

// Descriptor identifies a device independent of the handle currently
// open on it: its UUID, logical size, sector size, and whether it is
// opened for writing.
type Descriptor struct {
	ID         uuid.UUID
	Path       string
	Size       int64
	SectorSize int
	ReadOnly   bool
}

// Stats is a snapshot of cumulative I/O activity against a Device,
// useful for diagnostics and support bundles.
type Stats struct {
	BytesRead       int64
	BytesWritten    int64
	ReadModifyWrite int64
}

// Handle is the minimal capability a raw device or backing file must
// provide; *os.File satisfies it.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Device performs sector-aligned I/O against a Handle.
type Device struct {
	desc Descriptor
	h    Handle

	mu    sync.Mutex
	stats Stats
}

// New wraps h as an aligned Device described by desc. sectorSize must
// be a power of two; it is never inferred from the handle, since not
// every Handle (e.g. a loopback TCP stream to a worker) exposes one.
func New(desc Descriptor, h Handle) (*Device, error) {
	if desc.SectorSize <= 0 || desc.SectorSize&(desc.SectorSize-1) != 0 {
		return nil, ferr.InvalidArgument("sector size must be a positive power of two, got %d", desc.SectorSize)
	}
	return &Device{desc: desc, h: h}, nil
}

// Descriptor returns the device's identity and geometry.
func (d *Device) Descriptor() Descriptor { return d.desc }

// Stats returns a snapshot of cumulative I/O counters.
func (d *Device) Stats() Stats {
	return Stats{
		BytesRead:       atomic.LoadInt64(&d.stats.BytesRead),
		BytesWritten:    atomic.LoadInt64(&d.stats.BytesWritten),
		ReadModifyWrite: atomic.LoadInt64(&d.stats.ReadModifyWrite),
	}
}

func (d *Device) alignDown(off int64) int64 {
	ss := int64(d.desc.SectorSize)
	return (off / ss) * ss
}

// ReadAt reads len(p) bytes starting at off, expanding to sector
// boundaries internally and trimming the result back to the caller's
// window.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	ss := int64(d.desc.SectorSize)
	alignedOff := d.alignDown(off)
	endOff := off + int64(len(p))
	alignedEnd := ((endOff + ss - 1) / ss) * ss

	buf := make([]byte, alignedEnd-alignedOff)
	n, err := d.h.ReadAt(buf, alignedOff)
	if err != nil && err != io.EOF {
		return 0, ferr.IO(off, err)
	}

	lead := int(off - alignedOff)
	avail := n - lead
	if avail < 0 {
		avail = 0
	}
	want := len(p)
	if avail < want {
		want = avail
	}
	copy(p, buf[lead:lead+want])

	atomic.AddInt64(&d.stats.BytesRead, int64(want))

	if want < len(p) {
		return want, io.EOF
	}
	return want, nil
}

// WriteAt writes p at off. When off or len(p) is not sector-aligned,
// it performs a read-modify-write of the straddled sectors so bytes
// outside the caller's window are preserved.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if d.desc.ReadOnly {
		return 0, ferr.PermissionDenied("device %s is opened read-only", d.desc.Path)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ss := int64(d.desc.SectorSize)
	alignedOff := d.alignDown(off)
	endOff := off + int64(len(p))
	alignedEnd := ((endOff + ss - 1) / ss) * ss

	if alignedOff == off && alignedEnd == endOff {
		n, err := d.h.WriteAt(p, off)
		if err != nil {
			return n, ferr.IO(off, err)
		}
		atomic.AddInt64(&d.stats.BytesWritten, int64(n))
		return n, nil
	}

	buf := make([]byte, alignedEnd-alignedOff)
	_, err := d.h.ReadAt(buf, alignedOff)
	if err != nil && err != io.EOF {
		return 0, ferr.IO(alignedOff, err)
	}
	copy(buf[off-alignedOff:], p)

	n, err := d.h.WriteAt(buf, alignedOff)
	if err != nil {
		return 0, ferr.IO(alignedOff, err)
	}

	atomic.AddInt64(&d.stats.BytesWritten, int64(n))
	atomic.AddInt64(&d.stats.ReadModifyWrite, 1)

	return len(p), nil
}

// Close releases the underlying handle.
func (d *Device) Close() error {
	return d.h.Close()
}

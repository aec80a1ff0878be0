package device

import "io"

// Seeker adapts a Device's offset-addressed ReadAt/WriteAt to the
// io.ReadWriteSeeker the fsops family constructors expect, the mirror
// image of pkg/ext's seekerReaderAt: that one strips Seek off a
// ReadWriteSeeker for a one-shot probe, this one adds Seek back for a
// handle that otherwise only knows absolute offsets.
type Seeker struct {
	d   *Device
	pos int64
}

// NewSeeker wraps d for sequential callers that need a cursor.
func NewSeeker(d *Device) *Seeker {
	return &Seeker{d: d}
}

func (s *Seeker) Read(p []byte) (int, error) {
	n, err := s.d.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *Seeker) Write(p []byte) (int, error) {
	n, err := s.d.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *Seeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = s.d.Descriptor().Size
	default:
		return 0, io.ErrUnexpectedEOF
	}
	pos := base + offset
	if pos < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	s.pos = pos
	return pos, nil
}

// ReadAt and WriteAt pass straight through, so callers that already
// hold a Seeker can still be used anywhere an io.ReaderAt/io.WriterAt
// is wanted (partimg.Decode, fsregistry.Registry.Detect).
func (s *Seeker) ReadAt(p []byte, off int64) (int, error)  { return s.d.ReadAt(p, off) }
func (s *Seeker) WriteAt(p []byte, off int64) (int, error) { return s.d.WriteAt(p, off) }

// Close releases the underlying Device.
func (s *Seeker) Close() error { return s.d.Close() }

// Package fsregistry maps filesystem family names to detector,
// reader-constructor, and writer-constructor triples, so the engine
// can open an arbitrary family without importing it directly.
package fsregistry

import (
	"io"
	"sort"
	"sync"

	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/fsops"
)

// Detector reports whether the bytes at the start of a volume match
// this family, without fully mounting it.
type Detector func(r io.ReaderAt) bool

// ReaderConstructor opens an existing filesystem read-only.
type ReaderConstructor func(rw io.ReadWriteSeeker) (fsops.Ops, error)

// WriterConstructor opens an existing filesystem read-write.
type WriterConstructor func(rw io.ReadWriteSeeker) (fsops.Ops, error)

// FormatFunc writes a fresh filesystem of this family onto rw.
type FormatFunc func(rw io.ReadWriteSeeker, opts fsops.FormatOptions) error

// Entry is one family's registration.
type Entry struct {
	Name      string
	Detect    Detector
	NewReader ReaderConstructor
	NewWriter WriterConstructor
	Format    FormatFunc

	// Priority orders Detect's probe sequence, highest first, so a
	// family whose signature is hard to mistake for another (a full
	// superblock checksum, say) runs before one that only checks a
	// generic boot-sector marker and could false-positive on it.
	// Entries sharing a priority keep registration order between them.
	Priority int
}

// Registry holds every registered family, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a family entry.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; !exists {
		r.order = append(r.order, e.Name)
	}
	r.entries[e.Name] = e
}

// Families lists registered family names in registration order.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the entry registered for name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, ferr.NotSupported("unknown filesystem family %q", name)
	}
	return e, nil
}

// detectionOrder returns every registered entry sorted by declared
// Priority, descending, with ties broken by registration order. Must
// be called with r.mu held.
func (r *Registry) detectionOrder() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Detect probes every registered family against rw, highest declared
// Priority first, and returns the name of the first match.
func (r *Registry) Detect(rw io.ReaderAt) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.detectionOrder() {
		if e.Detect(rw) {
			return e.Name, nil
		}
	}
	return "", ferr.NotFound("no registered filesystem family matched this volume")
}

// Open detects the family on rw and opens it read-write.
func (r *Registry) Open(rw io.ReadWriteSeeker) (fsops.Ops, error) {
	name, err := r.Detect(readerAtFor(rw))
	if err != nil {
		return nil, err
	}
	e, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.NewWriter(rw)
}

// OpenReadOnly detects the family on rw and opens it read-only.
func (r *Registry) OpenReadOnly(rw io.ReadWriteSeeker) (fsops.Ops, error) {
	name, err := r.Detect(readerAtFor(rw))
	if err != nil {
		return nil, err
	}
	e, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.NewReader(rw)
}

// readerAtFor returns rw itself if it already implements io.ReaderAt
// (most concrete device handles do), otherwise wraps it with a
// Seek-based adapter for the one-shot detection probe.
func readerAtFor(rw io.ReadWriteSeeker) io.ReaderAt {
	if ra, ok := rw.(io.ReaderAt); ok {
		return ra
	}
	return &seekerReaderAt{rw: rw}
}

// seekerReaderAt adapts a plain io.ReadWriteSeeker to io.ReaderAt for
// the one-shot family probe Open/OpenReadOnly need.
type seekerReaderAt struct {
	rw io.ReadWriteSeeker
}

func (s *seekerReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := s.rw.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.rw, p)
}

// Format formats rw as the named family.
func (r *Registry) Format(name string, rw io.ReadWriteSeeker, opts fsops.FormatOptions) error {
	e, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if e.Format == nil {
		return ferr.NotSupported("family %q does not support formatting", name)
	}
	return e.Format(rw, opts)
}

// Package fsops defines the unified filesystem operation surface every
// family package (ext, fat, exfat, ntfs) implements, so callers never
// import a family package directly. It is modeled on the pack's
// clearest cross-family driver interface, narrowed to the read/write/
// list/stat/create/remove operations this engine needs; permission
// gating is the safety gate's job, not this interface's.
package fsops

import (
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// Entry describes one directory entry.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Info describes a mounted filesystem.
type Info struct {
	Family        string
	VolumeLabel   string
	TotalBytes    uint64
	FreeBytes     uint64
	BlockSize     uint32
	FilesUsed     uint64
	FilesFree     uint64
	SupportsTrim  bool
	SupportsACL   bool
	MaxNameLength int
}

// String renders Info in a human-friendly log line.
func (i Info) String() string {
	return i.Family + " volume " + i.VolumeLabel + ": " +
		humanize.Bytes(i.TotalBytes-i.FreeBytes) + " used of " + humanize.Bytes(i.TotalBytes)
}

// FormatOptions parameterizes Format. Each family's Format reads these
// fields directly and substitutes its own fallback for a zero value
// where it has one.
type FormatOptions struct {
	VolumeLabel string
	ClusterSize uint32
	Quick       bool
}

// Ops is the family-independent view of a mounted filesystem.
type Ops interface {
	// Info reports aggregate volume information.
	Info() (Info, error)

	// List returns the entries of the directory at path.
	List(path string) ([]Entry, error)

	// Stat returns the entry for path.
	Stat(path string) (Entry, error)

	// Open returns a reader over the file at path.
	Open(path string) (io.ReadCloser, error)

	// Create opens (creating if necessary) the file at path for
	// writing, truncating any existing content.
	Create(path string) (io.WriteCloser, error)

	// Mkdir creates a directory at path.
	Mkdir(path string) error

	// Remove deletes the file or empty directory at path.
	Remove(path string) error

	// Rename moves oldPath to newPath within the same volume.
	Rename(oldPath, newPath string) error

	// Close flushes any pending writes and releases resources,
	// including committing the family's journal if it has one.
	Close() error
}

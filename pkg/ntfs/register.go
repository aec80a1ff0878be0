package ntfs

import (
	"io"

	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/fsregistry"
)

// RegistryEntry returns this family's fsregistry.Entry, wiring
// detection, read-only and $LogFile-recovering read-write mounts, and
// mkfs into the triple the engine's registry expects.
func RegistryEntry() fsregistry.Entry {
	return fsregistry.Entry{
		Name:     "ntfs",
		Detect:   Detect,
		Priority: 90,
		NewReader: func(rw io.ReadWriteSeeker) (fsops.Ops, error) {
			return OpenReadOnly(rw)
		},
		NewWriter: func(rw io.ReadWriteSeeker) (fsops.Ops, error) {
			return Open(rw)
		},
		Format: Format,
	}
}

package ext

import (
	"io"
	"os"

	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/fsregistry"
)

// RegistryEntry returns this family's fsregistry.Entry, wiring
// detection, read-only and journaled read-write mounts, and mkfs into
// the triple the engine's registry expects.
func RegistryEntry() fsregistry.Entry {
	return fsregistry.Entry{
		Name:     "ext",
		Detect:   Detect,
		Priority: 100,
		NewReader: func(rw io.ReadWriteSeeker) (fsops.Ops, error) {
			return OpenReadOnly(rw)
		},
		NewWriter: func(rw io.ReadWriteSeeker) (fsops.Ops, error) {
			dir, err := os.MkdirTemp("", "moses-jbd2-*")
			if err != nil {
				return nil, err
			}
			return Open(rw, dir)
		},
		Format: Format,
	}
}

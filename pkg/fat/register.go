package fat

import (
	"io"

	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/fsregistry"
)

// RegistryEntry returns this family's fsregistry.Entry.
func RegistryEntry() fsregistry.Entry {
	return fsregistry.Entry{
		Name:     "fat",
		Detect:   Detect,
		Priority: 10,
		NewReader: func(rw io.ReadWriteSeeker) (fsops.Ops, error) {
			return OpenReadOnly(rw)
		},
		NewWriter: func(rw io.ReadWriteSeeker) (fsops.Ops, error) {
			return Open(rw)
		},
		Format: Format,
	}
}

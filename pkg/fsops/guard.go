package fsops

import (
	"io"
	"strings"
	"sync"

	"github.com/mosesfs/moses/pkg/ferr"
)

// maxComponentLen is the longest single name every family this engine
// implements accepts.
const maxComponentLen = 255

// ValidateName rejects a single path component the on-disk formats
// cannot represent or that would alias a directory's self/parent
// entries: empty, "." or "..", an embedded NUL or '/', or a name
// longer than any family allows.
func ValidateName(name string) error {
	switch {
	case name == "":
		return ferr.InvalidPath(name)
	case name == "." || name == "..":
		return ferr.InvalidArgument("%q cannot be the target of an operation", name)
	case strings.ContainsRune(name, 0):
		return ferr.InvalidArgument("name contains an embedded NUL")
	case strings.ContainsRune(name, '/'):
		return ferr.InvalidArgument("name %q contains a path separator", name)
	case len(name) > maxComponentLen:
		return ferr.InvalidArgument("name exceeds %d bytes", maxComponentLen)
	}
	return nil
}

// ValidatePath validates every component of a slash-separated path.
// The root path itself ("/" or "") is valid for read operations.
func ValidatePath(p string) error {
	if strings.ContainsRune(p, 0) {
		return ferr.InvalidArgument("path contains an embedded NUL")
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			return ferr.InvalidPath(p)
		}
		if err := ValidateName(part); err != nil {
			return err
		}
	}
	return nil
}

// validateTarget is ValidatePath plus the requirement that the final
// component be an operable name, for mutating operations whose target
// cannot be the root or a dot entry.
func validateTarget(p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return ferr.InvalidPath(p)
	}
	parts := strings.Split(trimmed, "/")
	return ValidateName(parts[len(parts)-1])
}

// Guard wraps an Ops so every operation validates path syntax first
// and every mutating operation is refused until EnableWriteSupport has
// been called. It is the engine's guard against a caller reaching a
// writer without having armed it deliberately.
type Guard struct {
	mu      sync.Mutex
	inner   Ops
	enabled bool
}

// NewGuard wraps inner with writes disabled.
func NewGuard(inner Ops) *Guard {
	return &Guard{inner: inner}
}

// EnableWriteSupport arms the mutating operations. Idempotent: calling
// it again on an armed guard is a no-op, never an error.
func (g *Guard) EnableWriteSupport() {
	g.mu.Lock()
	g.enabled = true
	g.mu.Unlock()
}

func (g *Guard) writable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return ferr.PermissionDenied("write support has not been enabled")
	}
	return nil
}

func (g *Guard) Info() (Info, error) { return g.inner.Info() }

func (g *Guard) List(path string) ([]Entry, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	return g.inner.List(path)
}

func (g *Guard) Stat(path string) (Entry, error) {
	if err := ValidatePath(path); err != nil {
		return Entry{}, err
	}
	return g.inner.Stat(path)
}

func (g *Guard) Open(path string) (io.ReadCloser, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	return g.inner.Open(path)
}

func (g *Guard) Create(path string) (io.WriteCloser, error) {
	if err := g.writable(); err != nil {
		return nil, err
	}
	if err := validateTarget(path); err != nil {
		return nil, err
	}
	return g.inner.Create(path)
}

func (g *Guard) Mkdir(path string) error {
	if err := g.writable(); err != nil {
		return err
	}
	if err := validateTarget(path); err != nil {
		return err
	}
	return g.inner.Mkdir(path)
}

func (g *Guard) Remove(path string) error {
	if err := g.writable(); err != nil {
		return err
	}
	if err := validateTarget(path); err != nil {
		return err
	}
	return g.inner.Remove(path)
}

func (g *Guard) Rename(oldPath, newPath string) error {
	if err := g.writable(); err != nil {
		return err
	}
	if err := validateTarget(oldPath); err != nil {
		return err
	}
	if err := validateTarget(newPath); err != nil {
		return err
	}
	return g.inner.Rename(oldPath, newPath)
}

func (g *Guard) Close() error { return g.inner.Close() }

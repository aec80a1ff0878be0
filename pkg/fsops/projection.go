package fsops

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sub returns an Ops whose paths are rooted at base within the
// underlying ops, the way a chroot narrows a filesystem view to one
// subtree. base must already exist as a directory.
func Sub(ops Ops, base string) Ops {
	return &subOps{ops: ops, base: strings.TrimRight(base, "/")}
}

type subOps struct {
	ops  Ops
	base string
}

func (s *subOps) resolve(path string) string {
	if path == "" || path == "/" {
		return s.base
	}
	return s.base + "/" + strings.TrimLeft(path, "/")
}

func (s *subOps) Info() (Info, error) { return s.ops.Info() }

func (s *subOps) List(path string) ([]Entry, error) { return s.ops.List(s.resolve(path)) }
func (s *subOps) Stat(path string) (Entry, error)   { return s.ops.Stat(s.resolve(path)) }

func (s *subOps) Open(path string) (io.ReadCloser, error) { return s.ops.Open(s.resolve(path)) }

func (s *subOps) Create(path string) (io.WriteCloser, error) {
	return s.ops.Create(s.resolve(path))
}

func (s *subOps) Mkdir(path string) error  { return s.ops.Mkdir(s.resolve(path)) }
func (s *subOps) Remove(path string) error { return s.ops.Remove(s.resolve(path)) }

func (s *subOps) Rename(oldPath, newPath string) error {
	return s.ops.Rename(s.resolve(oldPath), s.resolve(newPath))
}

func (s *subOps) Close() error { return nil }

// Host projects a directory on the local host filesystem as an Ops,
// letting callers copy between a mounted image and the host with the
// same interface used for every on-disk family.
func Host(dir string) Ops {
	return &hostOps{dir: strings.TrimRight(dir, string(os.PathSeparator))}
}

type hostOps struct {
	dir string
}

func (h *hostOps) resolve(path string) string {
	return filepath.Join(h.dir, filepath.FromSlash(path))
}

func (h *hostOps) Info() (Info, error) {
	return Info{Family: "host"}, nil
}

func (h *hostOps) List(path string) ([]Entry, error) {
	ents, err := os.ReadDir(h.resolve(path))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ents))
	for _, e := range ents {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return out, nil
}

func (h *hostOps) Stat(path string) (Entry, error) {
	fi, err := os.Stat(h.resolve(path))
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: fi.Name(), IsDir: fi.IsDir(), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (h *hostOps) Open(path string) (io.ReadCloser, error) {
	return os.Open(h.resolve(path))
}

func (h *hostOps) Create(path string) (io.WriteCloser, error) {
	return os.Create(h.resolve(path))
}

func (h *hostOps) Mkdir(path string) error {
	return os.Mkdir(h.resolve(path), 0o755)
}

func (h *hostOps) Remove(path string) error {
	return os.Remove(h.resolve(path))
}

func (h *hostOps) Rename(oldPath, newPath string) error {
	return os.Rename(h.resolve(oldPath), h.resolve(newPath))
}

func (h *hostOps) Close() error { return nil }

package fat

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/fsops"
)

// Open mounts a FAT12/16/32 volume for reading and writing.
func Open(rw io.ReadWriteSeeker) (*Volume, error) {
	return open(rw, false)
}

// OpenReadOnly mounts a FAT12/16/32 volume without allowing
// modification; Create/Mkdir/Remove/Rename all fail.
func OpenReadOnly(rw io.ReadWriteSeeker) (*Volume, error) {
	return open(rw, true)
}

func open(rw io.ReadWriteSeeker, readOnly bool) (*Volume, error) {
	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	boot := make([]byte, bootSectorSize)
	if _, err := io.ReadFull(rw, boot); err != nil {
		return nil, ferr.IO(0, err)
	}
	geo, err := decodeBPB(boot)
	if err != nil {
		return nil, err
	}

	v := &Volume{dev: rw, geo: geo, readOnly: readOnly}
	fatBytes := geo.fatSizeSectors * geo.bytesPerSector
	fat, err := v.readSector(geo.fatStart, fatBytes)
	if err != nil {
		return nil, err
	}
	v.fat = fat
	return v, nil
}

func (v *Volume) rootFirstCluster() int64 {
	if v.geo.typ == Type32 {
		return v.geo.rootCluster
	}
	return 0
}

// resolve walks path from the root, returning the first cluster of the
// final component's parent directory and the final entry. An empty/"/"
// path resolves to the root directory itself, represented as an
// unnamed directory dirent whose cluster is the root's, with found=true.
func (v *Volume) resolve(path string) (parentCluster int64, entry dirent, found bool, err error) {
	parts := splitPath(path)
	cluster := v.rootFirstCluster()
	if len(parts) == 0 {
		return cluster, dirent{cluster: cluster, attr: attrDirectory}, true, nil
	}
	for i, part := range parts {
		entries, err := v.readDirents(cluster)
		if err != nil {
			return 0, dirent{}, false, err
		}
		e, ok := lookupDirent(entries, part)
		if !ok {
			return 0, dirent{}, false, nil
		}
		if i == len(parts)-1 {
			return cluster, e, true, nil
		}
		if !e.isDir() {
			return 0, dirent{}, false, ferr.InvalidPath(path)
		}
		cluster = e.cluster
	}
	return 0, dirent{}, false, nil
}

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (v *Volume) resolveParentDir(path string) (parentCluster int64, name string, err error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, "", ferr.InvalidPath(path)
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	_, parentEntry, ok, err := v.resolve(parentPath)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", ferr.NotFound("directory %q not found", parentPath)
	}
	return parentEntry.cluster, parts[len(parts)-1], nil
}

func fatDate(t time.Time) uint16 {
	if t.Year() < 1980 {
		return 0
	}
	return uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
}

func fatTime(t time.Time) uint16 {
	return uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
}

// Info reports aggregate volume information.
func (v *Volume) Info() (fsops.Info, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	free := int64(0)
	for c := int64(2); c < v.geo.clusterCount+2; c++ {
		raw, err := v.entry(c)
		if err != nil {
			return fsops.Info{}, err
		}
		if v.clusterFree(raw) {
			free++
		}
	}
	family := "FAT32"
	if v.geo.typ == Type16 {
		family = "FAT16"
	} else if v.geo.typ == Type12 {
		family = "FAT12"
	}
	return fsops.Info{
		Family:        family,
		TotalBytes:    uint64(v.geo.totalSectors * v.geo.bytesPerSector),
		FreeBytes:     uint64(free * v.geo.clusterSize()),
		BlockSize:     uint32(v.geo.clusterSize()),
		MaxNameLength: 255, // long-filename chain; 8.3 short names always accompany it
	}, nil
}

// List returns the entries of the directory at path.
func (v *Volume) List(path string) ([]fsops.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, e, ok, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferr.NotFound("path %q not found", path)
	}
	if path != "/" && path != "" && !e.isDir() {
		return nil, ferr.InvalidArgument("%q is not a directory", path)
	}
	dirents, err := v.readDirents(e.cluster)
	if err != nil {
		return nil, err
	}
	out := make([]fsops.Entry, 0, len(dirents))
	for _, d := range dirents {
		out = append(out, fsops.Entry{Name: d.name, IsDir: d.isDir(), Size: int64(d.size)})
	}
	return out, nil
}

// Stat returns the entry for path.
func (v *Volume) Stat(path string) (fsops.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, e, ok, err := v.resolve(path)
	if err != nil {
		return fsops.Entry{}, err
	}
	if !ok {
		return fsops.Entry{}, ferr.NotFound("path %q not found", path)
	}
	name := e.name
	if name == "" {
		name = "/"
	}
	return fsops.Entry{Name: name, IsDir: e.isDir(), Size: int64(e.size)}, nil
}

type fileReader struct {
	v      *Volume
	data   []byte
	cur    int
}

func (r *fileReader) Read(p []byte) (int, error) {
	if r.cur >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.cur:])
	r.cur += n
	return n, nil
}

func (r *fileReader) Close() error { return nil }

// Open returns a reader over the file at path.
func (v *Volume) Open(path string) (io.ReadCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, e, ok, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferr.NotFound("path %q not found", path)
	}
	if e.isDir() {
		return nil, ferr.InvalidArgument("%q is a directory", path)
	}
	raw, err := v.readDirRegion(e.cluster)
	if err != nil {
		return nil, err
	}
	if int64(e.size) < int64(len(raw)) {
		raw = raw[:e.size]
	}
	return &fileReader{v: v, data: raw}, nil
}

type fileWriter struct {
	v             *Volume
	parentCluster int64
	name          string
	existing      dirent
	hasExisting   bool
	buf           bytes.Buffer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fileWriter) Close() error {
	w.v.mu.Lock()
	defer w.v.mu.Unlock()

	if w.hasExisting && w.existing.cluster != 0 {
		chain, err := w.v.clusterChain(w.existing.cluster)
		if err != nil {
			return err
		}
		if err := w.v.freeChain(chain); err != nil {
			return err
		}
	}

	data := w.buf.Bytes()
	clusterSize := int(w.v.geo.clusterSize())
	nClusters := (len(data) + clusterSize - 1) / clusterSize

	var first int64
	if nClusters > 0 {
		clusters, err := w.v.allocateChain(nClusters)
		if err != nil {
			return err
		}
		first = clusters[0]
		for i, c := range clusters {
			start := i * clusterSize
			end := start + clusterSize
			if end > len(data) {
				end = len(data)
			}
			buf := make([]byte, clusterSize)
			copy(buf, data[start:end])
			if err := w.v.writeCluster(c, buf); err != nil {
				return err
			}
		}
	}

	if w.hasExisting {
		if err := w.v.removeDirent(w.parentCluster, w.name); err != nil {
			return err
		}
	}
	if err := w.v.insertDirent(w.parentCluster, w.name, attrArchive, first, uint32(len(data))); err != nil {
		return err
	}
	return w.v.flushFAT()
}

// Create opens (creating if necessary) the file at path for writing,
// truncating any existing content.
func (v *Volume) Create(path string) (io.WriteCloser, error) {
	if v.readOnly {
		return nil, ferr.PermissionDenied("volume is mounted read-only")
	}
	v.mu.Lock()
	parentCluster, name, err := v.resolveParentDir(path)
	if err != nil {
		v.mu.Unlock()
		return nil, err
	}
	entries, err := v.readDirents(parentCluster)
	if err != nil {
		v.mu.Unlock()
		return nil, err
	}
	existing, ok := lookupDirent(entries, name)
	v.mu.Unlock()

	if ok && existing.isDir() {
		return nil, ferr.InvalidArgument("%q is a directory", path)
	}
	return &fileWriter{v: v, parentCluster: parentCluster, name: name, existing: existing, hasExisting: ok}, nil
}

// Mkdir creates a directory at path.
func (v *Volume) Mkdir(path string) error {
	if v.readOnly {
		return ferr.PermissionDenied("volume is mounted read-only")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	parentCluster, name, err := v.resolveParentDir(path)
	if err != nil {
		return err
	}
	entries, err := v.readDirents(parentCluster)
	if err != nil {
		return err
	}
	if _, ok := lookupDirent(entries, name); ok {
		return ferr.InvalidArgument("%q already exists", path)
	}

	clusters, err := v.allocateChain(1)
	if err != nil {
		return err
	}
	newCluster := clusters[0]
	if err := v.writeCluster(newCluster, make([]byte, v.geo.clusterSize())); err != nil {
		return err
	}
	if err := v.insertDirent(newCluster, ".", attrDirectory, newCluster, 0); err != nil {
		return err
	}
	if err := v.insertDirent(newCluster, "..", attrDirectory, parentCluster, 0); err != nil {
		return err
	}
	if err := v.insertDirent(parentCluster, name, attrDirectory, newCluster, 0); err != nil {
		return err
	}
	return v.flushFAT()
}

// Remove deletes the file or empty directory at path.
func (v *Volume) Remove(path string) error {
	if v.readOnly {
		return ferr.PermissionDenied("volume is mounted read-only")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	parentCluster, e, ok, err := v.resolve(path)
	if err != nil {
		return err
	}
	if !ok {
		return ferr.NotFound("path %q not found", path)
	}
	if e.isDir() {
		children, err := v.readDirents(e.cluster)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.name != "." && c.name != ".." {
				return ferr.InvalidArgument("%q is not empty", path)
			}
		}
	}

	if e.cluster != 0 {
		chain, err := v.clusterChain(e.cluster)
		if err != nil {
			return err
		}
		if err := v.freeChain(chain); err != nil {
			return err
		}
	}
	_, name, err := v.resolveParentDir(path)
	if err != nil {
		return err
	}
	if err := v.removeDirent(parentCluster, name); err != nil {
		return err
	}
	return v.flushFAT()
}

// Rename moves oldPath to newPath within the same volume.
func (v *Volume) Rename(oldPath, newPath string) error {
	if v.readOnly {
		return ferr.PermissionDenied("volume is mounted read-only")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	oldParent, e, ok, err := v.resolve(oldPath)
	if err != nil {
		return err
	}
	if !ok {
		return ferr.NotFound("path %q not found", oldPath)
	}
	newParent, newName, err := v.resolveParentDir(newPath)
	if err != nil {
		return err
	}

	if err := v.insertDirent(newParent, newName, e.attr, e.cluster, e.size); err != nil {
		return err
	}
	_, oldName, err := v.resolveParentDir(oldPath)
	if err != nil {
		return err
	}
	if err := v.removeDirent(oldParent, oldName); err != nil {
		return err
	}
	return v.flushFAT()
}

// Close flushes the cached FAT table back to disk.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return nil
	}
	return v.flushFAT()
}

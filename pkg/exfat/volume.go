package exfat

import (
	"bytes"
	"io"
	"strings"

	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/fsops"
)

// Open mounts an existing exFAT volume for reading and writing.
func Open(rw io.ReadWriteSeeker) (*Volume, error) {
	return open(rw, false)
}

// OpenReadOnly mounts an existing exFAT volume without allowing
// modification; Create/Mkdir/Remove/Rename all fail.
func OpenReadOnly(rw io.ReadWriteSeeker) (*Volume, error) {
	return open(rw, true)
}

func open(rw io.ReadWriteSeeker, readOnly bool) (*Volume, error) {
	boot, err := (&Volume{dev: rw}).readAt(0, bootSectorSize)
	if err != nil {
		return nil, err
	}
	geo, err := decodeBootSector(boot)
	if err != nil {
		return nil, err
	}

	v := &Volume{dev: rw, geo: geo, readOnly: readOnly}
	fat, err := v.readAt(geo.fatOffset, geo.fatLength)
	if err != nil {
		return nil, err
	}
	v.fat = fat

	rootEntries, err := v.readDirRegion(geo.rootCluster)
	if err != nil {
		return nil, err
	}
	for i := 0; i+dirEntrySize <= len(rootEntries); i += dirEntrySize {
		slot := rootEntries[i : i+dirEntrySize]
		switch slot[0] {
		case entryTypeBitmap | entryInUseBit:
			v.bitmapCluster = int64(le32(slot[20:24]))
			v.bitmapSize = le64(slot[24:32])
		case entryTypeUpcase | entryInUseBit:
			cluster := int64(le32(slot[20:24]))
			size := le64(slot[24:32])
			raw, err := v.readClusterRun(cluster, int64(size))
			if err != nil {
				return nil, err
			}
			v.upcase = make([]uint16, len(raw)/2)
			for u := range v.upcase {
				v.upcase[u] = le16(raw[u*2 : u*2+2])
			}
		}
	}
	if v.bitmapCluster == 0 {
		return nil, ferr.Corruption(ferr.SeverityModerate, "exFAT volume missing allocation bitmap directory entry")
	}
	return v, nil
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

// resolve walks path from the root. An empty/"/" path resolves to the
// root directory itself, represented with an unnamed directory dirent
// whose firstCluster is the root cluster, and found=true.
func (v *Volume) resolve(path string) (parentCluster int64, entry dirent, found bool, err error) {
	parts := splitPath(path)
	cluster := v.geo.rootCluster
	if len(parts) == 0 {
		return cluster, dirent{firstCluster: cluster, attr: attrDirectory}, true, nil
	}
	for i, part := range parts {
		raw, err := v.readDirRegion(cluster)
		if err != nil {
			return 0, dirent{}, false, err
		}
		entries, err := parseDirents(raw)
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
		cluster = e.firstCluster
	}
	return 0, dirent{}, false, nil
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
	return parentEntry.firstCluster, parts[len(parts)-1], nil
}

func (v *Volume) listEntries(cluster int64) ([]dirent, error) {
	raw, err := v.readDirRegion(cluster)
	if err != nil {
		return nil, err
	}
	return parseDirents(raw)
}

// Info reports aggregate volume information.
func (v *Volume) Info() (fsops.Info, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	bm, err := v.allocBitmap()
	if err != nil {
		return fsops.Info{}, err
	}
	return fsops.Info{
		Family:        "exFAT",
		TotalBytes:    uint64(v.geo.clusterCount * v.geo.clusterSize()),
		FreeBytes:     uint64(bm.FreeCount() * v.geo.clusterSize()),
		BlockSize:     uint32(v.geo.clusterSize()),
		MaxNameLength: 255,
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
	if !e.isDir() {
		return nil, ferr.InvalidArgument("%q is not a directory", path)
	}
	dirents, err := v.listEntries(e.firstCluster)
	if err != nil {
		return nil, err
	}
	out := make([]fsops.Entry, 0, len(dirents))
	for _, d := range dirents {
		out = append(out, fsops.Entry{Name: d.name, IsDir: d.isDir(), Size: int64(d.dataLength)})
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
	return fsops.Entry{Name: name, IsDir: e.isDir(), Size: int64(e.dataLength)}, nil
}

type fileReader struct {
	data []byte
	cur  int
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
	if e.dataLength == 0 {
		return &fileReader{}, nil
	}
	raw, err := v.readDirRegion(e.firstCluster)
	if err != nil {
		return nil, err
	}
	if e.dataLength < uint64(len(raw)) {
		raw = raw[:e.dataLength]
	}
	return &fileReader{data: raw}, nil
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

	if w.hasExisting && w.existing.firstCluster != 0 {
		chain, err := w.v.clusterChain(w.existing.firstCluster)
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
	if err := w.v.insertDirent(w.parentCluster, w.name, 0, first, uint64(len(data))); err != nil {
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
	entries, err := v.listEntries(parentCluster)
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
	entries, err := v.listEntries(parentCluster)
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
	return v.insertDirent(parentCluster, name, attrDirectory, newCluster, 0)
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
		children, err := v.listEntries(e.firstCluster)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return ferr.InvalidArgument("%q is not empty", path)
		}
	}
	if e.firstCluster != 0 {
		chain, err := v.clusterChain(e.firstCluster)
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
	return v.removeDirent(parentCluster, name)
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
	if err := v.insertDirent(newParent, newName, e.attr, e.firstCluster, e.dataLength); err != nil {
		return err
	}
	_, oldName, err := v.resolveParentDir(oldPath)
	if err != nil {
		return err
	}
	return v.removeDirent(oldParent, oldName)
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

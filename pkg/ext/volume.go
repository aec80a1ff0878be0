package ext

import (
	"bytes"
	"encoding/binary"
	"io"
	"path"
	"strings"
	"time"

	"github.com/mosesfs/moses/pkg/alloc"
	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/jbd2"
)

// Open mounts an existing ext2/3/4 volume read-write. If the
// filesystem carries a journal (EXT3_FEATURE_COMPAT_HAS_JOURNAL), a
// jbd2.Journal is opened over the journal inode's blocks and every
// metadata write goes through it.
func Open(rw io.ReadWriteSeeker, checkpointDir string) (*Volume, error) {
	return open(rw, checkpointDir, false)
}

// OpenReadOnly mounts an existing volume without attaching a journal;
// writes through the returned Ops fail.
func OpenReadOnly(rw io.ReadWriteSeeker) (*Volume, error) {
	return open(rw, "", true)
}

func open(rw io.ReadWriteSeeker, checkpointDir string, readOnly bool) (*Volume, error) {
	ra, ok := rw.(readerAtSeeker)
	if !ok {
		ra = &seekerReaderAt{rw: rw}
	}
	sb, err := readSuperblock(ra)
	if err != nil {
		return nil, err
	}

	v := &Volume{dev: rw, geo: newGeometry(sb), readOnly: readOnly}
	if err := v.loadBGDT(); err != nil {
		return nil, err
	}
	v.groups = make([]*groupBitmaps, v.geo.groupCount)

	if !readOnly && v.geo.journalEnabled() {
		jIno, err := v.readInode(JournalInode)
		if err != nil {
			return nil, err
		}
		blocks, err := v.blockList(jIno)
		if err != nil {
			return nil, err
		}
		if len(blocks) > 0 {
			j, err := jbd2.Open(jbd2.Options{
				Device:        rw,
				StartBlock:    blocks[0],
				NumBlocks:     int64(len(blocks)),
				CheckpointDir: checkpointDir,
				Apply: func(fsBlock uint64, data []byte) error {
					_, err := rw.Seek(blockOffset(int64(fsBlock)), io.SeekStart)
					if err != nil {
						return err
					}
					_, err = rw.Write(data)
					return err
				},
			})
			if err != nil {
				return nil, err
			}
			if err := j.Recover(); err != nil {
				return nil, err
			}
			v.journal = j
		}
	}

	return v, nil
}

// readerAtSeeker is satisfied by io.ReadWriteSeeker values that also
// implement io.ReaderAt (most concrete device handles do).
type readerAtSeeker interface {
	io.ReaderAt
}

// seekerReaderAt adapts a plain io.ReadWriteSeeker to io.ReaderAt for
// the one-shot superblock probe Detect/Open need.
type seekerReaderAt struct {
	rw io.ReadWriteSeeker
}

func (s *seekerReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := s.rw.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.rw, p)
}

func (v *Volume) loadBGDT() error {
	n := v.geo.groupCount
	v.bgdt = make([]BlockGroupDescriptor, n)
	block := v.geo.bgdtBlock()
	raw, err := v.readBlock(block)
	if err != nil {
		return err
	}
	r := bytes.NewReader(raw)
	for i := int64(0); i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &v.bgdt[i]); err != nil {
			return ferr.Corruption(ferr.SeverityModerate, "block group descriptor %d: %v", i, err)
		}
	}
	return nil
}

func (t *tx) flushBGDT() error {
	v := t.v
	buf := new(bytes.Buffer)
	for _, bg := range v.bgdt {
		_ = binary.Write(buf, binary.LittleEndian, bg)
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return t.writeBlock(v.geo.bgdtBlock(), out)
}

func (v *Volume) group(g int64) (*groupBitmaps, error) {
	if v.groups[g] != nil {
		return v.groups[g], nil
	}
	blockRaw, err := v.readBlock(int64(v.bgdt[g].BlockBitmapAddr))
	if err != nil {
		return nil, err
	}
	inodeRaw, err := v.readBlock(int64(v.bgdt[g].InodeBitmapAddr))
	if err != nil {
		return nil, err
	}
	gb := &groupBitmaps{
		blocks: alloc.FromWords(wordsFromBytes(blockRaw), int64(v.geo.sb.BlocksPerGroup)),
		inodes: alloc.FromWords(wordsFromBytes(inodeRaw), int64(v.geo.sb.InodesPerGroup)),
	}
	v.groups[g] = gb
	return gb, nil
}

func wordsFromBytes(b []byte) []uint64 {
	words := make([]uint64, len(b)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return words
}

func bytesFromWords(words []uint64) []byte {
	out := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], w)
	}
	return out
}

func (v *Volume) inodeAllocator() *alloc.InodeAllocator {
	return alloc.NewInodeAllocator(v.geo.groupCount, int64(v.geo.sb.InodesPerGroup),
		func(g int64) (*alloc.Bitmap, error) {
			gb, err := v.group(g)
			if err != nil {
				return nil, err
			}
			return gb.inodes, nil
		},
		func(g int64) (alloc.GroupStats, error) {
			gb, err := v.group(g)
			if err != nil {
				return alloc.GroupStats{}, err
			}
			return alloc.GroupStats{
				FreeInodes: gb.inodes.FreeCount(),
				FreeBlocks: gb.blocks.FreeCount(),
				UsedDirs:   int64(v.bgdt[g].Directories),
			}, nil
		})
}

func (v *Volume) allocateBlockNear(ino uint32) (int64, error) {
	start := v.groupOfInode(ino)
	for i := int64(0); i < v.geo.groupCount; i++ {
		g := (start + i) % v.geo.groupCount
		gb, err := v.group(g)
		if err != nil {
			return 0, err
		}
		idx, err := gb.blocks.AllocateFirstFree(0)
		if err != nil {
			continue
		}
		gb.dirty = true
		v.bgdt[g].FreeBlocks--
		return int64(v.geo.sb.FirstDataBlock) + g*int64(v.geo.sb.BlocksPerGroup) + idx, nil
	}
	return 0, ferr.NotFound("volume has no free blocks")
}

func (v *Volume) freeBlock(block int64) error {
	rel := block - int64(v.geo.sb.FirstDataBlock)
	g := rel / int64(v.geo.sb.BlocksPerGroup)
	local := rel % int64(v.geo.sb.BlocksPerGroup)
	gb, err := v.group(g)
	if err != nil {
		return err
	}
	if err := gb.blocks.Clear(local); err != nil {
		return err
	}
	gb.dirty = true
	v.bgdt[g].FreeBlocks++
	return nil
}

// appendBlockToInode adds block as the next pointer in in's indirect
// tree or extent tree, rewriting whichever scheme in already uses.
// The inode write goes through t, joining the caller's transaction.
func (t *tx) appendBlockToInode(ino uint32, in *Inode, block int64) error {
	blocks, err := t.v.blockList(in)
	if err != nil {
		return err
	}
	blocks = append(blocks, block)

	if in.Flags&flagExtents != 0 {
		if err := setExtentBlocks(in, blocks); err != nil {
			return err
		}
		return t.writeInode(ino, in)
	}

	if len(blocks) > maxDirectPointers {
		return ferr.NotSupported("indirect-block growth beyond direct pointers is not implemented")
	}
	var buf bytes.Buffer
	var direct [12]uint32
	for i, b := range blocks {
		direct[i] = uint32(b)
	}
	_ = binary.Write(&buf, binary.LittleEndian, direct)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	copy(in.Block[:], buf.Bytes())
	return t.writeInode(ino, in)
}

// resolvePath walks from the root directory inode to the named path,
// returning the inode number and parsed inode of the final component.
func (v *Volume) resolvePath(p string) (uint32, *Inode, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	ino := uint32(RootDirInode)
	in, err := v.readInode(ino)
	if err != nil {
		return 0, nil, err
	}
	if p == "" {
		return ino, in, nil
	}
	for _, part := range strings.Split(p, "/") {
		if !in.isDir() {
			return 0, nil, ferr.InvalidPath(p)
		}
		e, err := v.lookupDirent(in, part)
		if err != nil {
			return 0, nil, ferr.NotFound("path %q: %v", p, err)
		}
		ino = e.inode
		in, err = v.readInode(ino)
		if err != nil {
			return 0, nil, err
		}
	}
	return ino, in, nil
}

func (v *Volume) resolveParent(p string) (parentIno uint32, parent *Inode, name string, err error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return 0, nil, "", ferr.InvalidPath(p)
	}
	dir, base := path.Split(p)
	parentIno, parent, err = v.resolvePath(dir)
	if err != nil {
		return 0, nil, "", err
	}
	return parentIno, parent, base, nil
}

// Info reports aggregate volume information.
func (v *Volume) Info() (fsops.Info, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sb := v.geo.sb
	return fsops.Info{
		Family:        "ext",
		VolumeLabel:   cstring(sb.VolumeName[:]),
		TotalBytes:    uint64(sb.TotalBlocks) * BlockSize,
		FreeBytes:     uint64(sb.FreeBlocks) * BlockSize,
		BlockSize:     BlockSize,
		FilesUsed:     uint64(sb.TotalInodes - sb.FreeInodes),
		FilesFree:     uint64(sb.FreeInodes),
		SupportsACL:   true,
		MaxNameLength: 255,
	}, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// List returns the entries of the directory at p.
func (v *Volume) List(p string) ([]fsops.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, in, err := v.resolvePath(p)
	if err != nil {
		return nil, err
	}
	if !in.isDir() {
		return nil, ferr.InvalidPath(p)
	}
	dirents, err := v.readDirents(in)
	if err != nil {
		return nil, err
	}
	var out []fsops.Entry
	for _, e := range dirents {
		if e.name == "." || e.name == ".." {
			continue
		}
		child, err := v.readInode(e.inode)
		if err != nil {
			return nil, err
		}
		out = append(out, fsops.Entry{
			Name:    e.name,
			IsDir:   child.isDir(),
			Size:    child.size(),
			ModTime: time.Unix(int64(child.ModifyTime), 0),
		})
	}
	return out, nil
}

// Stat returns the entry for p.
func (v *Volume) Stat(p string) (fsops.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, in, err := v.resolvePath(p)
	if err != nil {
		return fsops.Entry{}, err
	}
	return fsops.Entry{
		Name:    path.Base(p),
		IsDir:   in.isDir(),
		Size:    in.size(),
		ModTime: time.Unix(int64(in.ModifyTime), 0),
	}, nil
}

// Open returns a reader over the file at p.
func (v *Volume) Open(p string) (io.ReadCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, in, err := v.resolvePath(p)
	if err != nil {
		return nil, err
	}
	if in.isDir() {
		return nil, ferr.InvalidPath(p)
	}
	blocks, err := v.blockList(in)
	if err != nil {
		return nil, err
	}
	return &fileReader{v: v, blocks: blocks, remaining: in.size()}, nil
}

type fileReader struct {
	v         *Volume
	blocks    []int64
	cur       []byte
	idx       int
	remaining int64
}

func (r *fileReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if len(r.cur) == 0 {
		if r.idx >= len(r.blocks) {
			return 0, io.EOF
		}
		block, err := r.v.readBlock(r.blocks[r.idx])
		if err != nil {
			return 0, err
		}
		r.idx++
		r.cur = block
	}
	n := copy(p, r.cur)
	if int64(n) > r.remaining {
		n = int(r.remaining)
	}
	r.cur = r.cur[n:]
	r.remaining -= int64(n)
	return n, nil
}

func (r *fileReader) Close() error { return nil }

// Create opens (creating if necessary) the file at p for writing.
func (v *Volume) Create(p string) (io.WriteCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return nil, ferr.PermissionDenied("volume opened read-only")
	}

	parentIno, parent, name, err := v.resolveParent(p)
	if err != nil {
		return nil, err
	}

	if _, err := v.lookupDirent(parent, name); err == nil {
		existingIno, existing, err := v.resolvePath(p)
		if err != nil {
			return nil, err
		}
		existing.SizeLower = 0
		existing.Flags &^= flagExtents
		existing.Block = [60]byte{}
		t := v.begin()
		if err := t.writeInode(existingIno, existing); err != nil {
			return nil, err
		}
		if err := t.commit(); err != nil {
			return nil, err
		}
		return &fileWriter{v: v, ino: existingIno, inode: existing}, nil
	}

	allocator := v.inodeAllocator()
	parentGroup := v.groupOfInode(parentIno)
	ino, _, err := allocator.AllocateFile(parentGroup)
	if err != nil {
		return nil, err
	}
	v.bgdt[v.groupOfInode(uint32(ino))].FreeInodes--

	now := uint32(0)
	in := &Inode{Permissions: typeRegular | 0644, Links: 1, ModifyTime: now}
	t := v.begin()
	if err := t.writeInode(uint32(ino), in); err != nil {
		return nil, err
	}
	if err := t.insertDirent(parentIno, parent, name, uint32(ino), ftypeRegular); err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}

	return &fileWriter{v: v, ino: uint32(ino), inode: in}, nil
}

type fileWriter struct {
	v     *Volume
	ino   uint32
	inode *Inode
	buf   bytes.Buffer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

// Close allocates and writes the buffered data blocks and updates the
// inode's extent list and size in one transaction, so a crash midway
// through a write leaves the file exactly as it was before the write,
// never with allocated data blocks the inode doesn't yet point at or
// a size that outruns the written extents.
func (w *fileWriter) Close() error {
	t := w.v.begin()
	data := w.buf.Bytes()
	var blocks []int64
	for off := 0; off < len(data); off += BlockSize {
		block, err := w.v.allocateBlockNear(w.ino)
		if err != nil {
			return err
		}
		chunk := make([]byte, BlockSize)
		copy(chunk, data[off:])
		if err := t.writeBlock(block, chunk); err != nil {
			return err
		}
		blocks = append(blocks, block)
	}

	w.inode.SizeLower = uint32(len(data))
	w.inode.Sectors = uint32(len(blocks) * (BlockSize / 512))
	if len(blocks) > 0 {
		if err := setExtentBlocks(w.inode, blocks); err != nil {
			return err
		}
	}
	if err := t.writeInode(w.ino, w.inode); err != nil {
		return err
	}
	return t.commit()
}

// Mkdir creates a directory at p.
func (v *Volume) Mkdir(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return ferr.PermissionDenied("volume opened read-only")
	}

	parentIno, parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if _, err := v.lookupDirent(parent, name); err == nil {
		return ferr.InvalidArgument("%q already exists", p)
	}

	allocator := v.inodeAllocator()
	parentGroup := v.groupOfInode(parentIno)
	topLevel := parentIno == RootDirInode
	orlovGroup := parentGroup
	if topLevel {
		orlovGroup = -1
	}
	ino, group, err := allocator.AllocateDirectory(orlovGroup)
	if err != nil {
		return err
	}
	v.bgdt[group].FreeInodes--
	v.bgdt[group].Directories++

	in := &Inode{Permissions: typeDirectory | 0755, Links: 2}
	block, err := v.allocateBlockNear(uint32(ino))
	if err != nil {
		return err
	}
	self := []dirent{
		{inode: uint32(ino), fileType: ftypeDirectory, name: "."},
		{inode: parentIno, fileType: ftypeDirectory, name: ".."},
	}

	// One transaction for the whole operation: the new directory's
	// self-block, its inode, the parent's link-count bump, and the
	// new directory entry in the parent either all land together or,
	// on a crash, none of them do.
	t := v.begin()
	if err := t.writeBlock(block, writeLinearDirectoryBlock(self)); err != nil {
		return err
	}
	if err := setExtentBlocks(in, []int64{block}); err != nil {
		return err
	}
	in.SizeLower = BlockSize
	if err := t.writeInode(uint32(ino), in); err != nil {
		return err
	}

	parent.Links++
	if err := t.writeInode(parentIno, parent); err != nil {
		return err
	}
	if err := t.insertDirent(parentIno, parent, name, uint32(ino), ftypeDirectory); err != nil {
		return err
	}
	return t.commit()
}

// Remove deletes the file or empty directory at p.
func (v *Volume) Remove(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return ferr.PermissionDenied("volume opened read-only")
	}

	_, parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	e, err := v.lookupDirent(parent, name)
	if err != nil {
		return err
	}
	if e.inode < FirstFreeInode {
		return ferr.SafetyViolation("inode %d is reserved", e.inode)
	}
	in, err := v.readInode(e.inode)
	if err != nil {
		return err
	}
	if in.isDir() {
		entries, err := v.readDirents(in)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			if ent.name != "." && ent.name != ".." {
				return ferr.InvalidArgument("directory %q is not empty", p)
			}
		}
	}

	blocks, err := v.blockList(in)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := v.freeBlock(b); err != nil {
			return err
		}
	}
	if err := v.inodeAllocator().Free(int64(e.inode)); err != nil {
		return err
	}
	v.bgdt[v.groupOfInode(e.inode)].FreeInodes++
	if in.isDir() {
		v.bgdt[v.groupOfInode(e.inode)].Directories--
	}

	// Tombstoning the directory entry is the one on-disk write this
	// operation makes directly; bitmap and BGDT counter changes above
	// are flushed together at Close. Still routed through a tx so any
	// future additional write this op needs joins the same commit.
	t := v.begin()
	if err := t.removeDirent(parent, name); err != nil {
		return err
	}
	return t.commit()
}

// Rename moves oldPath to newPath within the same volume.
func (v *Volume) Rename(oldPath, newPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return ferr.PermissionDenied("volume opened read-only")
	}

	oldParentIno, oldParent, oldName, err := v.resolveParent(oldPath)
	if err != nil {
		return err
	}
	e, err := v.lookupDirent(oldParent, oldName)
	if err != nil {
		return err
	}
	if e.inode < FirstFreeInode {
		return ferr.SafetyViolation("inode %d is reserved", e.inode)
	}
	newParentIno, newParent, newName, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}

	// Inserting the entry at its new location and removing it from
	// the old one are one logical move; journal them together so a
	// crash never leaves the entry linked in both places or neither.
	t := v.begin()
	if err := t.insertDirent(newParentIno, newParent, newName, e.inode, e.fileType); err != nil {
		return err
	}
	_ = oldParentIno
	if err := t.removeDirent(oldParent, oldName); err != nil {
		return err
	}
	return t.commit()
}

// Close flushes dirty bitmaps, the block group descriptor table, and
// the superblock, committing the journal's checkpoint queue if one is
// attached.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readOnly {
		return nil
	}

	// Every dirty group bitmap plus the BGDT flush as one transaction:
	// a crash partway through would otherwise leave the BGDT's free
	// counters out of sync with whichever bitmaps did make it to disk.
	t := v.begin()
	for g, gb := range v.groups {
		if gb == nil || !gb.dirty {
			continue
		}
		if err := t.writeBlock(int64(v.bgdt[g].BlockBitmapAddr), bytesFromWords(gb.blocks.Words())); err != nil {
			return err
		}
		if err := t.writeBlock(int64(v.bgdt[g].InodeBitmapAddr), bytesFromWords(gb.inodes.Words())); err != nil {
			return err
		}
	}
	if err := t.flushBGDT(); err != nil {
		return err
	}
	if err := t.commit(); err != nil {
		return err
	}
	if v.journal != nil {
		return v.journal.Close()
	}
	return nil
}

package ext

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/jbd2"
)

type extentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

type extentLeaf struct {
	Block   uint32
	Len     uint16
	StartHi uint16
	StartLo uint32
}

func blockOffset(block int64) int64 { return block * BlockSize }

func (v *Volume) readBlock(block int64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if _, err := v.dev.Seek(blockOffset(block), io.SeekStart); err != nil {
		return nil, ferr.IO(blockOffset(block), err)
	}
	if _, err := io.ReadFull(v.dev, buf); err != nil {
		return nil, ferr.IO(blockOffset(block), err)
	}
	return buf, nil
}

// writeBlockDirect writes data straight to the device, bypassing any
// journal. Only reached when no journal is attached to the volume.
func (v *Volume) writeBlockDirect(block int64, data []byte) error {
	if _, err := v.dev.Seek(blockOffset(block), io.SeekStart); err != nil {
		return ferr.IO(blockOffset(block), err)
	}
	if _, err := v.dev.Write(data); err != nil {
		return ferr.IO(blockOffset(block), err)
	}
	return nil
}

// tx groups every block write belonging to one logical filesystem
// operation (Create, Mkdir, Remove, Rename, a data write, Close's
// flush) into a single JBD2 transaction, so the whole group either
// reaches the commit block together or, on a crash, none of it does.
// The inode-bitmap/inode-table/directory-entry/BGDT/superblock
// updates one logical operation touches must be journaled together,
// not as independently-committed single-block writes.
type tx struct {
	v       *Volume
	txn     *jbd2.Transaction
	pending map[int64][]byte
}

// begin opens one logical operation's transaction. When no journal is
// attached, writes made through the returned tx go straight to disk,
// one at a time, since there is nothing to group them into.
func (v *Volume) begin() *tx {
	t := &tx{v: v, pending: make(map[int64][]byte)}
	if v.journal != nil {
		t.txn = v.journal.Begin()
	}
	return t
}

// readBlock returns block's content as this transaction would see it:
// a block this transaction already wrote reads back that pending
// value rather than what is still on disk, so a read-modify-write
// later in the same operation never reverts an earlier one.
func (t *tx) readBlock(block int64) ([]byte, error) {
	if data, ok := t.pending[block]; ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return t.v.readBlock(block)
}

func (t *tx) writeBlock(block int64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	t.pending[block] = buf
	if t.txn != nil {
		t.v.journal.Write(t.txn, uint64(block), data)
		return nil
	}
	return t.v.writeBlockDirect(block, data)
}

// commit closes out the transaction, writing its descriptor, data,
// and commit blocks to the journal as one atomic group. A no-op when
// no journal is attached, since writeBlock already wrote through.
func (t *tx) commit() error {
	if t.txn != nil {
		return t.v.journal.Commit(t.txn)
	}
	return nil
}

func (v *Volume) groupOfInode(ino uint32) int64 {
	return int64(ino-1) / int64(v.geo.sb.InodesPerGroup)
}

func (v *Volume) readInode(ino uint32) (*Inode, error) {
	g := v.groupOfInode(ino)
	if g < 0 || g >= int64(len(v.bgdt)) {
		return nil, ferr.NotFound("inode %d: block group out of range", ino)
	}
	index := int64(ino-1) % int64(v.geo.sb.InodesPerGroup)
	block := int64(v.bgdt[g].InodeTableAddr) + index/inodesPerBlock
	off := (index % inodesPerBlock) * InodeSize

	raw, err := v.readBlock(block)
	if err != nil {
		return nil, err
	}
	var in Inode
	if err := binary.Read(bytes.NewReader(raw[off:off+InodeSize]), binary.LittleEndian, &in); err != nil {
		return nil, ferr.Corruption(ferr.SeverityModerate, "inode %d decode: %v", ino, err)
	}
	return &in, nil
}

func (t *tx) writeInode(ino uint32, in *Inode) error {
	v := t.v
	g := v.groupOfInode(ino)
	if g < 0 || g >= int64(len(v.bgdt)) {
		return ferr.NotFound("inode %d: block group out of range", ino)
	}
	index := int64(ino-1) % int64(v.geo.sb.InodesPerGroup)
	block := int64(v.bgdt[g].InodeTableAddr) + index/inodesPerBlock
	off := (index % inodesPerBlock) * InodeSize

	raw, err := t.readBlock(block)
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, in); err != nil {
		return err
	}
	copy(raw[off:off+InodeSize], buf.Bytes())
	return t.writeBlock(block, raw)
}

// blockList resolves every logical data block address an inode
// references, in the order they appear in the file, either by walking
// the classic direct/indirect pointer tree or by decoding an extent
// tree, depending on the extents flag.
func (v *Volume) blockList(in *Inode) ([]int64, error) {
	if in.Flags&flagExtents != 0 {
		return v.extentBlockList(in)
	}
	return v.indirectBlockList(in)
}

func (v *Volume) indirectBlockList(in *Inode) ([]int64, error) {
	var direct [12]uint32
	var single, double, triple uint32
	r := bytes.NewReader(in.Block[:])
	_ = binary.Read(r, binary.LittleEndian, &direct)
	_ = binary.Read(r, binary.LittleEndian, &single)
	_ = binary.Read(r, binary.LittleEndian, &double)
	_ = binary.Read(r, binary.LittleEndian, &triple)

	var blocks []int64
	for _, d := range direct {
		if d != 0 {
			blocks = append(blocks, int64(d))
		}
	}

	appendIndirect := func(ptr uint32, depth int) error {
		if ptr == 0 {
			return nil
		}
		return v.walkIndirect(int64(ptr), depth, &blocks)
	}
	if err := appendIndirect(single, 1); err != nil {
		return nil, err
	}
	if err := appendIndirect(double, 2); err != nil {
		return nil, err
	}
	if err := appendIndirect(triple, 3); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (v *Volume) walkIndirect(block int64, depth int, out *[]int64) error {
	if depth == 0 {
		*out = append(*out, block)
		return nil
	}
	raw, err := v.readBlock(block)
	if err != nil {
		return err
	}
	ptrs := make([]uint32, pointersPerBlock)
	_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ptrs)
	for _, p := range ptrs {
		if p == 0 {
			continue
		}
		if err := v.walkIndirect(int64(p), depth-1, out); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volume) extentBlockList(in *Inode) ([]int64, error) {
	var hdr extentHeader
	r := bytes.NewReader(in.Block[:])
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != extentMagic {
		return nil, ferr.Corruption(ferr.SeverityModerate, "bad extent header magic %#x", hdr.Magic)
	}

	var blocks []int64
	if hdr.Depth == 0 {
		for i := uint16(0); i < hdr.Entries; i++ {
			var leaf extentLeaf
			if err := binary.Read(r, binary.LittleEndian, &leaf); err != nil {
				return nil, err
			}
			start := int64(leaf.StartHi)<<32 | int64(leaf.StartLo)
			for b := int64(0); b < int64(leaf.Len); b++ {
				blocks = append(blocks, start+b)
			}
		}
		return blocks, nil
	}

	// one level of indirection: each entry points at a block holding a
	// deeper extent header plus leaves.
	type extentIndex struct {
		Block  uint32
		LeafLo uint32
		LeafHi uint16
		_      uint16
	}
	for i := uint16(0); i < hdr.Entries; i++ {
		var idx extentIndex
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, err
		}
		leafBlock := int64(idx.LeafHi)<<32 | int64(idx.LeafLo)
		raw, err := v.readBlock(leafBlock)
		if err != nil {
			return nil, err
		}
		lr := bytes.NewReader(raw)
		var leafHdr extentHeader
		if err := binary.Read(lr, binary.LittleEndian, &leafHdr); err != nil {
			return nil, err
		}
		for j := uint16(0); j < leafHdr.Entries; j++ {
			var leaf extentLeaf
			if err := binary.Read(lr, binary.LittleEndian, &leaf); err != nil {
				return nil, err
			}
			start := int64(leaf.StartHi)<<32 | int64(leaf.StartLo)
			for b := int64(0); b < int64(leaf.Len); b++ {
				blocks = append(blocks, start+b)
			}
		}
	}
	return blocks, nil
}

// setExtentBlocks encodes blocks as a single-level extent tree into
// in.Block, refusing files fragmented beyond one leaf's capacity
// rather than silently truncating them.
func setExtentBlocks(in *Inode, blocks []int64) error {
	runs := coalesceRuns(blocks)
	if len(runs) > extentMaxLeaf {
		return ferr.NotSupported("file needs %d extents, more than the %d a single-level tree holds", len(runs), extentMaxLeaf)
	}

	buf := new(bytes.Buffer)
	hdr := extentHeader{Magic: extentMagic, Entries: uint16(len(runs)), Max: extentMaxLeaf}
	_ = binary.Write(buf, binary.LittleEndian, hdr)

	var logical uint32
	for _, run := range runs {
		leaf := extentLeaf{
			Block:   logical,
			Len:     uint16(run.length),
			StartHi: uint16(run.start >> 32),
			StartLo: uint32(run.start),
		}
		logical += uint32(run.length)
		_ = binary.Write(buf, binary.LittleEndian, leaf)
	}
	copy(in.Block[:], buf.Bytes())
	in.Flags |= flagExtents
	return nil
}

type blockRun struct {
	start, length int64
}

// coalesceRuns merges consecutive physical block numbers into runs so
// a contiguous allocation needs only one extent leaf.
func coalesceRuns(blocks []int64) []blockRun {
	var runs []blockRun
	for _, b := range blocks {
		if n := len(runs); n > 0 && runs[n-1].start+runs[n-1].length == b {
			runs[n-1].length++
			continue
		}
		runs = append(runs, blockRun{start: b, length: 1})
	}
	return runs
}

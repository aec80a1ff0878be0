package ext

import (
	"bytes"
	"encoding/binary"

	"github.com/mosesfs/moses/pkg/ferr"
)

// dentryHeader is the fixed-width portion of one linear directory
// entry; the name bytes and zero padding follow immediately after.
type dentryHeader struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

type dirent struct {
	inode    uint32
	fileType uint8
	name     string
	// recOffset/recLen locate this entry's record within its block,
	// so Remove/Rename can rewrite it in place.
	block     int64
	recOffset int
	recLen    int
}

func alignUp(n, to int64) int64 { return ((n + to - 1) / to) * to }

// readDirents decodes every non-empty entry across a directory's data
// blocks, skipping the padding records ext leaves at block tails.
func (v *Volume) readDirents(in *Inode) ([]dirent, error) {
	blocks, err := v.blockList(in)
	if err != nil {
		return nil, err
	}

	var out []dirent
	for _, block := range blocks {
		raw, err := v.readBlock(block)
		if err != nil {
			return nil, err
		}
		off := 0
		for off < BlockSize {
			var hdr dentryHeader
			if err := binary.Read(bytes.NewReader(raw[off:off+8]), binary.LittleEndian, &hdr); err != nil {
				return nil, err
			}
			if hdr.RecLen == 0 {
				break
			}
			if hdr.Inode != 0 {
				name := string(raw[off+8 : off+8+int(hdr.NameLen)])
				out = append(out, dirent{
					inode: hdr.Inode, fileType: hdr.FileType, name: name,
					block: block, recOffset: off, recLen: int(hdr.RecLen),
				})
			}
			off += int(hdr.RecLen)
		}
	}
	return out, nil
}

func (v *Volume) lookupDirent(dir *Inode, name string) (dirent, error) {
	entries, err := v.readDirents(dir)
	if err != nil {
		return dirent{}, err
	}
	for _, e := range entries {
		if e.name == name {
			return e, nil
		}
	}
	return dirent{}, ferr.NotFound("no such entry %q", name)
}

// writeLinearDirectoryBlock packs the given entries into one fresh
// block, stretching the last record to the end of the block. It adds
// no "." or ".." entries of its own.
func writeLinearDirectoryBlock(entries []dirent) []byte {
	buf := new(bytes.Buffer)
	for i, e := range entries {
		recLen := 8 + int(alignUp(int64(len(e.name)), dentryNameAlign))
		if i == len(entries)-1 {
			recLen = BlockSize - buf.Len()
		}
		hdr := dentryHeader{Inode: e.inode, RecLen: uint16(recLen), NameLen: uint8(len(e.name)), FileType: e.fileType}
		_ = binary.Write(buf, binary.LittleEndian, hdr)
		buf.WriteString(e.name)
		pad := recLen - 8 - len(e.name)
		buf.Write(make([]byte, pad))
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out
}

// insertDirent appends one entry to the last block of dir's directory
// data, allocating a fresh block from dir's group when none has room.
// All of its block writes go through t, so they land in the caller's
// single logical-operation transaction.
func (t *tx) insertDirent(dirIno uint32, dir *Inode, name string, childIno uint32, fileType uint8) error {
	v := t.v
	blocks, err := v.blockList(dir)
	if err != nil {
		return err
	}

	needed := 8 + int(alignUp(int64(len(name)), dentryNameAlign))

	if len(blocks) > 0 {
		last := blocks[len(blocks)-1]
		entries, err := t.readDirentsInBlock(last)
		if err != nil {
			return err
		}
		used := 0
		for _, e := range entries {
			used += 8 + int(alignUp(int64(len(e.name)), dentryNameAlign))
		}
		if BlockSize-used >= needed {
			entries = append(entries, dirent{inode: childIno, fileType: fileType, name: name})
			return t.writeBlock(last, writeLinearDirectoryBlock(entries))
		}
	}

	newBlock, err := v.allocateBlockNear(dirIno)
	if err != nil {
		return err
	}
	if err := t.appendBlockToInode(dirIno, dir, newBlock); err != nil {
		return err
	}
	entries := []dirent{{inode: childIno, fileType: fileType, name: name}}
	if err := t.writeBlock(newBlock, writeLinearDirectoryBlock(entries)); err != nil {
		return err
	}
	dir.SizeLower += BlockSize
	return t.writeInode(dirIno, dir)
}

func (t *tx) readDirentsInBlock(block int64) ([]dirent, error) {
	raw, err := t.readBlock(block)
	if err != nil {
		return nil, err
	}
	var out []dirent
	off := 0
	for off < BlockSize {
		var hdr dentryHeader
		if err := binary.Read(bytes.NewReader(raw[off:off+8]), binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		if hdr.RecLen == 0 {
			break
		}
		if hdr.Inode != 0 {
			name := string(raw[off+8 : off+8+int(hdr.NameLen)])
			out = append(out, dirent{inode: hdr.Inode, fileType: hdr.FileType, name: name})
		}
		off += int(hdr.RecLen)
	}
	return out, nil
}

// removeDirent tombstones name's record by zeroing its inode field,
// matching ext's convention of leaving the record length intact so
// later entries in the same block stay valid. The write goes through
// t so it joins the caller's single logical-operation transaction.
func (t *tx) removeDirent(dir *Inode, name string) error {
	e, err := t.v.lookupDirent(dir, name)
	if err != nil {
		return err
	}
	raw, err := t.readBlock(e.block)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(raw[e.recOffset:e.recOffset+4], 0)
	return t.writeBlock(e.block, raw)
}

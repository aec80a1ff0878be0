package ext

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/mosesfs/moses/pkg/fsops"
)

// journalBlocksDefault is the size, in filesystem blocks, of the
// journal inode's extent when Format lays one down. 32 blocks is
// plenty for the handful of transactions any one mkfs'd test volume
// needs; real-world ext4 sizes this from volume size instead.
const journalBlocksDefault = 32

// Format writes a fresh ext4 filesystem to rw: one block group sized
// to fit the device, a root directory, and (unless opts.Quick skips
// it, or the device is too small to spare the room) a journal inode
// so the formatted volume mounts through the journaled path
// immediately.
func Format(rw io.ReadWriteSeeker, opts fsops.FormatOptions) error {
	size, err := rw.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	totalBlocks := uint32(size / BlockSize)
	if totalBlocks < 64 {
		return io.ErrShortWrite
	}

	const inodesPerGroupDefault = 2048

	sb := Superblock{
		TotalInodes:     inodesPerGroupDefault,
		TotalBlocks:     totalBlocks,
		FreeBlocks:      totalBlocks,
		FreeInodes:      inodesPerGroupDefault - FirstFreeInode + 1,
		FirstDataBlock:  1,
		LogBlockSize:    2, // 1024 << 2 == 4096
		BlocksPerGroup:  totalBlocks,
		FragsPerGroup:   totalBlocks,
		InodesPerGroup:  inodesPerGroupDefault,
		Signature:       Signature,
		State:           1,
		CreatorOS:       3, // EXT4_OS_LINUX is conventional; this engine isn't Linux-specific, kept for tool compatibility
		RevLevel:        1,
		FirstInode:      FirstFreeInode,
		InodeSize:       InodeSize,
		FeatureIncompat: incompatExtents,
	}
	copy(sb.VolumeName[:], opts.VolumeLabel)

	geo := newGeometry(sb)
	bgdtBlock := geo.bgdtBlock()
	bitmapBlocks := int64(2)
	inodeTableBlocks := divCeil(int64(inodesPerGroupDefault)*InodeSize, BlockSize)
	blockBitmapBlock := bgdtBlock + geo.bgdtBlocks()
	inodeBitmapBlock := blockBitmapBlock + 1
	inodeTableBlock := blockBitmapBlock + bitmapBlocks
	metadataBlocks := (inodeTableBlock - bgdtBlock) + inodeTableBlocks
	rootBlock := bgdtBlock + metadataBlocks

	journalStart := rootBlock + 1
	hasJournal := !opts.Quick && int64(totalBlocks) >= journalStart+journalBlocksDefault
	if hasJournal {
		sb.FeatureCompat |= 0x4 // HAS_JOURNAL
	}

	usedBlocks := metadataBlocks + 1 // + root block
	if hasJournal {
		usedBlocks += journalBlocksDefault
	}

	bg := BlockGroupDescriptor{
		BlockBitmapAddr: uint32(blockBitmapBlock),
		InodeBitmapAddr: uint32(inodeBitmapBlock),
		InodeTableAddr:  uint32(inodeTableBlock),
		FreeBlocks:      uint16(int64(totalBlocks) - usedBlocks),
		FreeInodes:      uint16(sb.InodesPerGroup - FirstFreeInode + 1),
		Directories:     1,
	}

	if err := writeStruct(rw, SuperblockOffset, &sb); err != nil {
		return err
	}
	if err := writeStruct(rw, bgdtBlock*BlockSize, &bg); err != nil {
		return err
	}

	blockBitmap := make([]byte, BlockSize)
	for i := int64(0); i < usedBlocks; i++ {
		blockBitmap[i/8] |= 1 << uint(i%8)
	}
	if err := writeAt(rw, int64(bg.BlockBitmapAddr)*BlockSize, blockBitmap); err != nil {
		return err
	}

	inodeBitmap := make([]byte, BlockSize)
	for i := int64(0); i < FirstFreeInode-1; i++ {
		inodeBitmap[i/8] |= 1 << uint(i%8)
	}
	if err := writeAt(rw, int64(bg.InodeBitmapAddr)*BlockSize, inodeBitmap); err != nil {
		return err
	}

	now := uint32(time.Now().Unix())

	root := Inode{
		Permissions: typeDirectory | 0755,
		Links:       2,
		SizeLower:   BlockSize,
		ModifyTime:  now,
	}
	if err := setExtentBlocks(&root, []int64{rootBlock}); err != nil {
		return err
	}
	if err := writeStruct(rw, int64(bg.InodeTableAddr)*BlockSize+int64(RootDirInode-1)*InodeSize, &root); err != nil {
		return err
	}

	selfEntries := []dirent{
		{inode: RootDirInode, fileType: ftypeDirectory, name: "."},
		{inode: RootDirInode, fileType: ftypeDirectory, name: ".."},
	}
	if err := writeAt(rw, rootBlock*BlockSize, writeLinearDirectoryBlock(selfEntries)); err != nil {
		return err
	}

	if hasJournal {
		journal := Inode{Permissions: typeRegular | 0600, Links: 1, ModifyTime: now}
		journalBlockNums := make([]int64, journalBlocksDefault)
		for i := range journalBlockNums {
			journalBlockNums[i] = journalStart + int64(i)
		}
		if err := setExtentBlocks(&journal, journalBlockNums); err != nil {
			return err
		}
		journal.SizeLower = uint32(journalBlocksDefault * BlockSize)
		if err := writeStruct(rw, int64(bg.InodeTableAddr)*BlockSize+int64(JournalInode-1)*InodeSize, &journal); err != nil {
			return err
		}
	}

	return nil
}

func writeStruct(w io.WriteSeeker, offset int64, v interface{}) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return err
	}
	return writeAt(w, offset, buf.Bytes())
}

func writeAt(w io.WriteSeeker, offset int64, data []byte) error {
	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

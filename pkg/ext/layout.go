// Package ext implements the ext2/ext3/ext4 family: on-disk
// superblock and block-group parsing, inode resolution across both
// the classic indirect-block scheme and ext4 extent trees, a linear
// directory format, and a journaled writer built on pkg/jbd2.
package ext

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/mosesfs/moses/pkg/alloc"
	"github.com/mosesfs/moses/pkg/ferr"
	"github.com/mosesfs/moses/pkg/jbd2"
)

// On-disk layout constants, matching ext2/3/4's historical values.
const (
	Signature        = 0xEF53
	SuperblockOffset = 1024
	BlockSize        = 4096
	InodeSize        = 256
	RootDirInode     = 2
	JournalInode     = 8
	FirstFreeInode   = 11

	inodesPerBlock    = BlockSize / InodeSize
	bgdtEntrySize     = 64
	pointerSize       = 4
	pointersPerBlock  = BlockSize / pointerSize
	maxDirectPointers = 12

	dentryNameAlign = 4

	// feature flag Format sets to mark the volume as using extent
	// trees. Whether one inode's Block field holds a classic indirect
	// tree or an extent tree is decided by that inode's flagExtents.
	incompatExtents = 0x00080000

	extentMagic    = 0xF30A
	extentMaxLeaf  = 4
	flagExtents    = 0x00080000
	typeDirectory  = 0x4000
	typeRegular    = 0x8000
	typeSymlink    = 0xA000
	typeMask       = 0xF000
	ftypeRegular   = 1
	ftypeDirectory = 2
	ftypeSymlink   = 7
)

// Superblock mirrors the fixed-position fields of the ext2/3/4
// on-disk superblock this engine reads and writes. Vendor-reserved
// regions are left as padding.
type Superblock struct {
	TotalInodes       uint32
	TotalBlocks       uint32
	ReservedBlocks    uint32
	FreeBlocks        uint32
	FreeInodes        uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	LogFragSize       uint32
	BlocksPerGroup    uint32
	FragsPerGroup     uint32
	InodesPerGroup    uint32
	MountTime         uint32
	WriteTime         uint32
	MountCount        uint16
	MaxMountCount     uint16
	Signature         uint16
	State             uint16
	Errors            uint16
	MinorRevLevel     uint16
	LastCheck         uint32
	CheckInterval     uint32
	CreatorOS         uint32
	RevLevel          uint32
	ReservedUID       uint16
	ReservedGID       uint16
	FirstInode        uint32
	InodeSize         uint16
	BlockGroupNr      uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureROCompat   uint32
	UUID              [16]byte
	VolumeName        [16]byte
	_                 [700]byte
}

// BlockGroupDescriptor mirrors one block group's descriptor table
// entry (32-bit addresses only; the 64-bit high halves used by very
// large ext4 volumes are not needed at this scale).
type BlockGroupDescriptor struct {
	BlockBitmapAddr uint32
	InodeBitmapAddr uint32
	InodeTableAddr  uint32
	FreeBlocks      uint16
	FreeInodes      uint16
	Directories     uint16
	Flags           uint16
	_               [16]byte
}

// Inode mirrors the on-disk inode record. Block holds either 15
// classic pointers (12 direct + single/double/triple indirect) or,
// when Flags carries flagExtents, an extent tree header and leaves.
type Inode struct {
	Permissions      uint16
	UID              uint16
	SizeLower        uint32
	AccessTime       uint32
	ChangeTime       uint32
	ModifyTime       uint32
	DeleteTime       uint32
	GID              uint16
	Links            uint16
	Sectors          uint32
	Flags            uint32
	_                uint32
	Block            [60]byte
	Generation       uint32
	FileACL          uint32
	SizeUpper        uint32
	FragAddr         uint32
	_                [12]byte
}

func (i *Inode) isDir() bool     { return i.Permissions&typeMask == typeDirectory }
func (i *Inode) isRegular() bool { return i.Permissions&typeMask == typeRegular }
func (i *Inode) isSymlink() bool { return i.Permissions&typeMask == typeSymlink }

func (i *Inode) size() int64 {
	return int64(i.SizeUpper)<<32 | int64(i.SizeLower)
}

// geometry derives the group layout from a parsed superblock: how
// many block groups exist and how to find each one's metadata.
type geometry struct {
	sb         Superblock
	groupCount int64
}

func newGeometry(sb Superblock) geometry {
	groups := divCeil(int64(sb.TotalBlocks), int64(sb.BlocksPerGroup))
	if groups < 1 {
		groups = 1
	}
	return geometry{sb: sb, groupCount: groups}
}

func divCeil(a, b int64) int64 { return (a + b - 1) / b }

func (g geometry) bgdtBlock() int64 {
	if g.sb.LogBlockSize == 0 {
		return 2
	}
	return 1
}

func (g geometry) bgdtBlocks() int64 {
	return divCeil(g.groupCount*bgdtEntrySize, BlockSize)
}

func (g geometry) journalEnabled() bool {
	return g.sb.FeatureCompat&0x4 != 0 // EXT3_FEATURE_COMPAT_HAS_JOURNAL
}

// readSuperblock reads and validates the superblock at the start of rw.
func readSuperblock(r io.ReaderAt) (Superblock, error) {
	buf := make([]byte, binary.Size(Superblock{}))
	if _, err := r.ReadAt(buf, SuperblockOffset); err != nil {
		return Superblock{}, ferr.IO(SuperblockOffset, err)
	}
	var sb Superblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return Superblock{}, ferr.Corruption(ferr.SeverityModerate, "superblock decode: %v", err)
	}
	if sb.Signature != Signature {
		return Superblock{}, ferr.Corruption(ferr.SeverityModerate, "bad ext superblock signature %#x", sb.Signature)
	}
	return sb, nil
}

// Detect reports whether r looks like an ext2/3/4 volume, for
// pkg/fsregistry's family probing.
func Detect(r io.ReaderAt) bool {
	_, err := readSuperblock(r)
	return err == nil
}

// groupBitmaps holds the in-memory allocation state for one block
// group, loaded lazily and flushed on Close.
type groupBitmaps struct {
	blocks *alloc.Bitmap
	inodes *alloc.Bitmap
	dirty  bool
}

// Volume is an open ext2/3/4 filesystem, implementing fsops.Ops.
type Volume struct {
	mu sync.Mutex

	dev io.ReadWriteSeeker
	geo geometry

	bgdt   []BlockGroupDescriptor
	groups []*groupBitmaps

	journal  *jbd2.Journal
	readOnly bool
}

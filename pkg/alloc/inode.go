package alloc

import (
	"github.com/mosesfs/moses/pkg/ferr"
)

// GroupLoader reads an existing group's inode bitmap from disk.
// Implementations must return the on-disk bitmap contents — loading a
// synthetic all-clear bitmap for a group that already has allocations
// would silently forget them. mkfs-time formatting is the only
// legitimate caller of NewBitmap for a fresh group; everything else
// goes through GroupLoader.
type GroupLoader func(group int64) (*Bitmap, error)

// GroupStats describes one block group's load, for Orlov selection.
type GroupStats struct {
	FreeInodes int64
	FreeBlocks int64
	UsedDirs   int64
}

// GroupStatsLoader reports current load for a group.
type GroupStatsLoader func(group int64) (GroupStats, error)

// InodeAllocator implements ext2/3/4's Orlov directory-spread
// allocation: new top-level directories are spread across the
// least-loaded groups, while files and subdirectories are kept near
// their parent, following ext's group/inode layout.
type InodeAllocator struct {
	groups         int64
	inodesPerGroup int64

	loadBitmap GroupLoader
	loadStats  GroupStatsLoader
}

// NewInodeAllocator builds an allocator over groups groups of
// inodesPerGroup inodes each.
func NewInodeAllocator(groups, inodesPerGroup int64, loadBitmap GroupLoader, loadStats GroupStatsLoader) *InodeAllocator {
	return &InodeAllocator{
		groups:         groups,
		inodesPerGroup: inodesPerGroup,
		loadBitmap:     loadBitmap,
		loadStats:      loadStats,
	}
}

// chooseOrlovGroup picks the least-loaded group for a new top-level
// directory: highest free-inode and free-block counts, fewest
// existing directories, the Orlov heuristic ext uses to avoid
// clustering every directory into one group.
func (a *InodeAllocator) chooseOrlovGroup() (int64, error) {
	best := int64(-1)
	var bestScore int64

	for g := int64(0); g < a.groups; g++ {
		stats, err := a.loadStats(g)
		if err != nil {
			return -1, err
		}
		if stats.FreeInodes == 0 {
			continue
		}
		score := stats.FreeInodes/4 + stats.FreeBlocks/16 - stats.UsedDirs*2
		if best == -1 || score > bestScore {
			best = g
			bestScore = score
		}
	}

	if best == -1 {
		return -1, ferr.NotFound("no block group has a free inode")
	}
	return best, nil
}

// AllocateDirectory picks a group for a new directory. parentGroup is
// the group number of the parent directory's inode; for a top-level
// directory (parent is the root), pass -1 to trigger Orlov spreading.
// Non-top-level directories and files are kept in the parent's group
// when it has room, falling through to the next group with free
// inodes otherwise — ext's simple locality heuristic for everything
// that isn't a fresh top-level directory.
func (a *InodeAllocator) AllocateDirectory(parentGroup int64) (ino int64, group int64, err error) {
	if parentGroup < 0 {
		group, err = a.chooseOrlovGroup()
		if err != nil {
			return 0, 0, err
		}
	} else {
		group, err = a.findGroupWithFreeInode(parentGroup)
		if err != nil {
			return 0, 0, err
		}
	}
	idx, err := a.allocateInGroup(group)
	if err != nil {
		return 0, 0, err
	}
	return group*a.inodesPerGroup + idx + 1, group, nil
}

// AllocateFile allocates a regular file's inode near its parent group.
func (a *InodeAllocator) AllocateFile(parentGroup int64) (ino int64, group int64, err error) {
	group, err = a.findGroupWithFreeInode(parentGroup)
	if err != nil {
		return 0, 0, err
	}
	idx, err := a.allocateInGroup(group)
	if err != nil {
		return 0, 0, err
	}
	return group*a.inodesPerGroup + idx + 1, group, nil
}

func (a *InodeAllocator) findGroupWithFreeInode(start int64) (int64, error) {
	for i := int64(0); i < a.groups; i++ {
		g := (start + i) % a.groups
		stats, err := a.loadStats(g)
		if err != nil {
			return -1, err
		}
		if stats.FreeInodes > 0 {
			return g, nil
		}
	}
	return -1, ferr.NotFound("no block group has a free inode")
}

func (a *InodeAllocator) allocateInGroup(group int64) (int64, error) {
	bm, err := a.loadBitmap(group)
	if err != nil {
		return -1, err
	}
	return bm.AllocateFirstFree(0)
}

// Free clears the bit for the inode at the given 1-based global
// number within its group's bitmap.
func (a *InodeAllocator) Free(ino int64) error {
	group := (ino - 1) / a.inodesPerGroup
	local := (ino - 1) % a.inodesPerGroup
	bm, err := a.loadBitmap(group)
	if err != nil {
		return err
	}
	return bm.Clear(local)
}

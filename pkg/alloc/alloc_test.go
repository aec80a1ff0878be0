package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapSetClearTest(t *testing.T) {
	bm := NewBitmap(128)

	ok, err := bm.Test(5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bm.Set(5))
	ok, err = bm.Test(5)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, bm.Clear(5))
	ok, err = bm.Test(5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBitmapFirstFreeSkipsFullWords(t *testing.T) {
	bm := NewBitmap(200)
	for i := int64(0); i < 64; i++ {
		require.NoError(t, bm.Set(i))
	}
	idx := bm.FirstFree(0)
	assert.Equal(t, int64(64), idx)
}

func TestBitmapFreeCount(t *testing.T) {
	bm := NewBitmap(10)
	require.NoError(t, bm.Set(0))
	require.NoError(t, bm.Set(1))
	assert.Equal(t, int64(8), bm.FreeCount())
}

func TestFromWordsPreservesExistingAllocations(t *testing.T) {
	bm := NewBitmap(64)
	require.NoError(t, bm.Set(3))

	reloaded := FromWords(bm.Words(), bm.Size())
	ok, err := reloaded.Test(3)
	require.NoError(t, err)
	assert.True(t, ok, "loading an existing group bitmap must not forget its allocations")
}

func newTestAllocator(groups, perGroup int64, free map[int64]int64) *InodeAllocator {
	bitmaps := make(map[int64]*Bitmap)
	for g := int64(0); g < groups; g++ {
		bitmaps[g] = NewBitmap(perGroup)
	}
	return NewInodeAllocator(groups, perGroup,
		func(g int64) (*Bitmap, error) { return bitmaps[g], nil },
		func(g int64) (GroupStats, error) {
			used := perGroup - bitmaps[g].FreeCount()
			return GroupStats{FreeInodes: perGroup - used, FreeBlocks: free[g]}, nil
		},
	)
}

func TestOrlovSpreadsTopLevelDirectories(t *testing.T) {
	a := newTestAllocator(4, 32, map[int64]int64{0: 10, 1: 100, 2: 50, 3: 5})

	_, group, err := a.AllocateDirectory(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), group, "Orlov should pick the group with the highest free_inodes/4 + free_blocks/16 - used_dirs*2 score")
}

func TestAllocateFileStaysNearParentGroup(t *testing.T) {
	a := newTestAllocator(4, 32, map[int64]int64{0: 10, 1: 10, 2: 10, 3: 10})

	_, group, err := a.AllocateFile(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), group)
}

func TestFreeClearsInodeBit(t *testing.T) {
	a := newTestAllocator(1, 32, map[int64]int64{0: 10})

	ino, _, err := a.AllocateFile(0)
	require.NoError(t, err)

	require.NoError(t, a.Free(ino))

	bm, _ := a.loadBitmap(0)
	ok, _ := bm.Test(ino - 1)
	assert.False(t, ok)
}

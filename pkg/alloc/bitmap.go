// Package alloc implements the allocation layer shared by the ext
// family: a word-packed bitmap type and an Orlov-spread inode
// allocator that favours directory locality the way ext2/3/4 does.
package alloc

import (
	"math/bits"

	"github.com/mosesfs/moses/pkg/ferr"
)

// Bitmap is a packed bit-per-item allocation map, stored one 64-bit
// word at a time.
type Bitmap struct {
	words []uint64
	size  int64
}

// NewBitmap returns a bitmap with room for size bits, all clear.
func NewBitmap(size int64) *Bitmap {
	return &Bitmap{words: make([]uint64, (size+63)/64), size: size}
}

// FromWords wraps an existing packed bitmap loaded from disk. This is
// the only constructor writers should use for an already-populated
// group: synthesizing a fresh, all-clear Bitmap for a group that
// already has on-disk state would silently forget every existing
// allocation.
func FromWords(words []uint64, size int64) *Bitmap {
	return &Bitmap{words: words, size: size}
}

// Words returns the packed representation, ready to write back to disk.
func (b *Bitmap) Words() []uint64 { return b.words }

// Size returns the number of addressable bits.
func (b *Bitmap) Size() int64 { return b.size }

func (b *Bitmap) checkBounds(i int64) error {
	if i < 0 || i >= b.size {
		return ferr.InvalidArgument("bitmap index %d out of range [0,%d)", i, b.size)
	}
	return nil
}

// Test reports whether bit i is set (allocated).
func (b *Bitmap) Test(i int64) (bool, error) {
	if err := b.checkBounds(i); err != nil {
		return false, err
	}
	return b.words[i/64]&(1<<uint(i%64)) != 0, nil
}

// Set marks bit i allocated.
func (b *Bitmap) Set(i int64) error {
	if err := b.checkBounds(i); err != nil {
		return err
	}
	b.words[i/64] |= 1 << uint(i%64)
	return nil
}

// Clear marks bit i free. The bit must already be set: clearing an
// already-clear bit means something freed the same entry twice, and
// that is a corruption in the caller's bookkeeping, not a no-op.
func (b *Bitmap) Clear(i int64) error {
	if err := b.checkBounds(i); err != nil {
		return err
	}
	mask := uint64(1) << uint(i%64)
	if b.words[i/64]&mask == 0 {
		return ferr.Corruption(ferr.SeverityModerate, "double free of bitmap entry %d", i)
	}
	b.words[i/64] &^= mask
	return nil
}

// FreeCount returns the number of clear bits below Size.
func (b *Bitmap) FreeCount() int64 {
	var used int64
	for i, w := range b.words {
		if int64(i) == int64(len(b.words))-1 {
			rem := b.size % 64
			if rem != 0 {
				w &= (1 << uint(rem)) - 1
			}
		}
		used += int64(bits.OnesCount64(w))
	}
	return b.size - used
}

// FirstFree returns the index of the first clear bit at or after
// start, or -1 if none remains.
func (b *Bitmap) FirstFree(start int64) int64 {
	for i := start; i < b.size; i++ {
		w := b.words[i/64]
		if w == ^uint64(0) {
			// whole word full; skip ahead to its end
			i = (i/64)*64 + 63
			continue
		}
		if w&(1<<uint(i%64)) == 0 {
			return i
		}
	}
	return -1
}

// AllocateFirstFree finds and sets the first free bit at or after
// start, returning its index.
func (b *Bitmap) AllocateFirstFree(start int64) (int64, error) {
	idx := b.FirstFree(start)
	if idx < 0 {
		return -1, ferr.NotFound("no free bitmap entry at or after %d", start)
	}
	if err := b.Set(idx); err != nil {
		return -1, err
	}
	return idx, nil
}

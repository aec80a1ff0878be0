package exfat

import (
	"github.com/mosesfs/moses/pkg/alloc"
	"github.com/mosesfs/moses/pkg/ferr"
)

const (
	clusterFree    = 0x00000000
	clusterEOCMark = 0xFFFFFFFF
	clusterBadMark = 0xFFFFFFF7
)

func (v *Volume) entry(cluster int64) (uint32, error) {
	off := cluster * 4
	if int(off)+3 >= len(v.fat) {
		return 0, ferr.Corruption(ferr.SeverityModerate, "FAT entry %d out of range", cluster)
	}
	return uint32(v.fat[off]) | uint32(v.fat[off+1])<<8 | uint32(v.fat[off+2])<<16 | uint32(v.fat[off+3])<<24, nil
}

func (v *Volume) setEntry(cluster int64, value uint32) error {
	off := cluster * 4
	if int(off)+3 >= len(v.fat) {
		return ferr.Corruption(ferr.SeverityModerate, "FAT entry %d out of range", cluster)
	}
	v.fat[off] = byte(value)
	v.fat[off+1] = byte(value >> 8)
	v.fat[off+2] = byte(value >> 16)
	v.fat[off+3] = byte(value >> 24)
	return nil
}

// clusterChain walks the FAT starting at start, returning every
// cluster in the chain in order. Every file and directory is read,
// freed and extended through this walk; the NoFatChain flag
// (contiguous allocation, which this writer never sets) is not
// consulted, so such an entry is not read by its contiguous extent.
func (v *Volume) clusterChain(start int64) ([]int64, error) {
	var chain []int64
	cur := start
	seen := map[int64]bool{}
	for cur >= firstClusterOfHeap {
		if seen[cur] {
			return nil, ferr.Corruption(ferr.SeveritySevere, "cluster chain loops at %d", cur)
		}
		seen[cur] = true
		chain = append(chain, cur)
		raw, err := v.entry(cur)
		if err != nil {
			return nil, err
		}
		if raw == clusterEOCMark {
			break
		}
		cur = int64(raw)
	}
	return chain, nil
}

// allocBitmap returns the cluster-heap allocation bitmap, wrapping the
// on-disk bytes loaded at mount time rather than synthesizing an empty
// one, the same "load, don't fabricate" discipline pkg/alloc's ext
// inode allocator follows.
func (v *Volume) allocBitmap() (*alloc.Bitmap, error) {
	raw, err := v.readClusterRun(v.bitmapCluster, int64(v.bitmapSize))
	if err != nil {
		return nil, err
	}
	words := make([]uint64, (len(raw)+7)/8)
	for i := 0; i < len(raw); i++ {
		words[i/8] |= uint64(raw[i]) << uint((i%8)*8)
	}
	return alloc.FromWords(words, v.geo.clusterCount), nil
}

func (v *Volume) flushBitmap(b *alloc.Bitmap) error {
	words := b.Words()
	raw := make([]byte, v.bitmapSize)
	for i := range raw {
		if i/8 < len(words) {
			raw[i] = byte(words[i/8] >> uint((i%8)*8))
		}
	}
	return v.writeClusterRun(v.bitmapCluster, raw)
}

// readClusterRun reads n bytes from the contiguous run of clusters
// starting at first (the bitmap and upcase table are always stored
// NoFatChain, i.e. contiguous, per the exFAT spec).
func (v *Volume) readClusterRun(first int64, n int64) ([]byte, error) {
	return v.readAt(v.geo.clusterOffset(first), n)
}

func (v *Volume) writeClusterRun(first int64, data []byte) error {
	clusterSize := v.geo.clusterSize()
	nClusters := (int64(len(data)) + clusterSize - 1) / clusterSize
	padded := make([]byte, nClusters*clusterSize)
	copy(padded, data)
	return v.writeAt(v.geo.clusterOffset(first), padded)
}

// allocateChain allocates n free clusters, linking them into a FAT
// chain terminated with the end-of-chain marker, and returns the
// allocated clusters in chain order.
func (v *Volume) allocateChain(n int) ([]int64, error) {
	if n == 0 {
		return nil, nil
	}
	bm, err := v.allocBitmap()
	if err != nil {
		return nil, err
	}
	var clusters []int64
	hint := int64(0)
	for len(clusters) < n {
		idx := bm.FirstFree(hint)
		if idx < 0 {
			return nil, ferr.NotSupported("no free clusters available: need %d", n)
		}
		if err := bm.Set(idx); err != nil {
			return nil, err
		}
		clusters = append(clusters, idx+firstClusterOfHeap)
		hint = idx + 1
	}
	for i, c := range clusters {
		if i == len(clusters)-1 {
			if err := v.setEntry(c, clusterEOCMark); err != nil {
				return nil, err
			}
			continue
		}
		if err := v.setEntry(c, uint32(clusters[i+1])); err != nil {
			return nil, err
		}
	}
	if err := v.flushBitmap(bm); err != nil {
		return nil, err
	}
	return clusters, v.flushFAT()
}

// freeChain releases every cluster in chain back to the free pool,
// in both the FAT and the allocation bitmap.
func (v *Volume) freeChain(chain []int64) error {
	if len(chain) == 0 {
		return nil
	}
	bm, err := v.allocBitmap()
	if err != nil {
		return err
	}
	for _, c := range chain {
		if err := v.setEntry(c, clusterFree); err != nil {
			return err
		}
		if err := bm.Clear(c - firstClusterOfHeap); err != nil {
			return err
		}
	}
	if err := v.flushBitmap(bm); err != nil {
		return err
	}
	return v.flushFAT()
}

func (v *Volume) flushFAT() error {
	for i := int64(0); i < v.geo.numFATs; i++ {
		offset := v.geo.fatOffset + i*v.geo.fatLength
		if err := v.writeAt(offset, v.fat); err != nil {
			return err
		}
	}
	return nil
}

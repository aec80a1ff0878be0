package exfat

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/go-restruct/restruct"

	"github.com/mosesfs/moses/pkg/ferr"
)

const (
	attrReadOnly  = 0x0001
	attrHidden    = 0x0002
	attrSystem    = 0x0004
	attrDirectory = 0x0010
	attrArchive   = 0x0020

	streamFlagFatChain   = 0x01 // clear => contiguous (NoFatChain)
	nameCharsPerFileName = 15
)

// rawFileEntry mirrors the on-disk 0x85 File directory entry.
type rawFileEntry struct {
	EntryType             uint8
	SecondaryCount        uint8
	SetChecksum           uint16
	FileAttributes        uint16
	Reserved1             uint16
	CreateTimestamp       uint32
	LastModifiedTimestamp uint32
	LastAccessedTimestamp uint32
	Create10msIncrement   uint8
	LastModified10msIncrement uint8
	CreateUtcOffset       uint8
	LastModifiedUtcOffset uint8
	LastAccessedUtcOffset uint8
	Reserved2             [7]uint8
}

// rawStreamEntry mirrors the on-disk 0xC0 Stream Extension entry.
type rawStreamEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	Reserved1             uint8
	NameLength            uint8
	NameHash              uint16
	Reserved2             uint16
	ValidDataLength       uint64
	Reserved3             uint32
	FirstCluster          uint32
	DataLength            uint64
}

// rawFileNameEntry mirrors the on-disk 0xC1 File Name entry.
type rawFileNameEntry struct {
	EntryType             uint8
	GeneralSecondaryFlags uint8
	FileName              [15]uint16
}

func unpackEntry(raw []byte, v interface{}) error {
	if err := restruct.Unpack(raw[:dirEntrySize], binary.LittleEndian, v); err != nil {
		return ferr.Corruption(ferr.SeverityModerate, "directory entry decode: %v", err)
	}
	return nil
}

func packEntry(v interface{}) ([]byte, error) {
	raw, err := restruct.Pack(binary.LittleEndian, v)
	if err != nil {
		return nil, ferr.InvalidArgument("directory entry encode: %v", err)
	}
	return raw, nil
}

// dirent is the materialized logical entry this package assembles
// from one File + Stream + FileName* chain, mirroring the reader
// reference's entry-chain-aware grouping.
type dirent struct {
	name          string
	attr          uint16
	firstCluster  int64
	dataLength    uint64
	noFatChain    bool
	secondaryCnt  uint8
	entryOffset   int // byte offset of the File entry within the directory region, for rewrite/removal
	chainByteLen  int // total bytes the File+Stream+FileName* chain occupies
}

func (d dirent) isDir() bool { return d.attr&attrDirectory != 0 }

// readDirRegion reads every byte of the directory rooted at
// firstCluster, following its cluster chain (directories are always
// FAT-chain allocated in this implementation; NoFatChain directories,
// while legal on-disk, are not produced by this writer).
func (v *Volume) readDirRegion(firstCluster int64) ([]byte, error) {
	chain, err := v.clusterChain(firstCluster)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(chain)*int(v.geo.clusterSize()))
	for _, c := range chain {
		data, err := v.readCluster(c)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

func (v *Volume) writeDirRegion(firstCluster int64, data []byte) error {
	chain, err := v.clusterChain(firstCluster)
	if err != nil {
		return err
	}
	clusterSize := int(v.geo.clusterSize())
	for i, c := range chain {
		start := i * clusterSize
		if start >= len(data) {
			break
		}
		end := start + clusterSize
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, clusterSize)
		copy(buf, data[start:end])
		if err := v.writeCluster(c, buf); err != nil {
			return err
		}
	}
	return nil
}

// parseDirents walks raw entry-by-entry, grouping each
// File(0x85)+Stream(0xC0)+FileName(0xC1)*N chain into one dirent, the
// way the reference reader's navigator expects the stream to
// immediately follow the file entry and the name fragments to
// immediately follow the stream.
func parseDirents(raw []byte) ([]dirent, error) {
	var out []dirent
	for i := 0; i+dirEntrySize <= len(raw); {
		entryType := raw[i]
		if entryType == entryTypeEndOfDirectory {
			break
		}
		if entryType&entryInUseBit == 0 || entryType != entryTypeFile {
			i += dirEntrySize
			continue
		}

		secondaryCount := int(raw[i+1])
		chainLen := (secondaryCount + 1) * dirEntrySize
		if i+chainLen > len(raw) {
			return nil, ferr.Corruption(ferr.SeverityModerate, "directory entry chain runs past end of directory")
		}
		if secondaryCount < 1 {
			return nil, ferr.Corruption(ferr.SeverityModerate, "file entry missing mandatory stream extension")
		}

		var fe rawFileEntry
		if err := unpackEntry(raw[i:], &fe); err != nil {
			return nil, err
		}

		streamOff := i + dirEntrySize
		if raw[streamOff]&0x7F != entryTypeStream&0x7F {
			return nil, ferr.Corruption(ferr.SeverityModerate, "file entry not followed by stream extension entry")
		}
		var se rawStreamEntry
		if err := unpackEntry(raw[streamOff:], &se); err != nil {
			return nil, err
		}
		nameLen := int(se.NameLength)

		nameFragments := (nameLen + nameCharsPerFileName - 1) / nameCharsPerFileName
		if 1+nameFragments > secondaryCount {
			return nil, ferr.Corruption(ferr.SeverityModerate, "file entry name fragments exceed secondary count")
		}

		var units []uint16
		for f := 0; f < nameFragments; f++ {
			off := streamOff + dirEntrySize + f*dirEntrySize
			if raw[off]&0x7F != entryTypeFileName&0x7F {
				return nil, ferr.Corruption(ferr.SeverityModerate, "expected FileName entry in chain")
			}
			var fn rawFileNameEntry
			if err := unpackEntry(raw[off:], &fn); err != nil {
				return nil, err
			}
			units = append(units, fn.FileName[:]...)
		}
		if len(units) > nameLen {
			units = units[:nameLen]
		}

		out = append(out, dirent{
			name:         string(utf16.Decode(units)),
			attr:         fe.FileAttributes,
			firstCluster: int64(se.FirstCluster),
			dataLength:   se.DataLength,
			noFatChain:   se.GeneralSecondaryFlags&streamFlagFatChain == 0,
			secondaryCnt: uint8(secondaryCount),
			entryOffset:  i,
			chainByteLen: chainLen,
		})
		i += chainLen
	}
	return out, nil
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}

// encodeChain renders name/attr/firstCluster/dataLength as a
// File+Stream+FileName* chain and computes the mandatory set checksum
// over the whole chain except the File entry's own checksum field.
func (v *Volume) encodeChain(name string, attr uint16, firstCluster int64, dataLength uint64, noFatChain bool) ([]byte, error) {
	units := utf16.Encode([]rune(name))
	nameFragments := (len(units) + nameCharsPerFileName - 1) / nameCharsPerFileName
	if nameFragments == 0 {
		nameFragments = 1
	}
	secondaryCount := 1 + nameFragments
	buf := make([]byte, 0, (1+secondaryCount)*dirEntrySize)

	fe := rawFileEntry{
		EntryType:      entryTypeFile | entryInUseBit,
		SecondaryCount: uint8(secondaryCount),
		FileAttributes: attr,
	}
	feRaw, err := packEntry(&fe)
	if err != nil {
		return nil, err
	}
	buf = append(buf, feRaw...)

	flags := uint8(streamFlagFatChain)
	if noFatChain {
		flags = 0
	}
	se := rawStreamEntry{
		EntryType:             entryTypeStream | entryInUseBit,
		GeneralSecondaryFlags: flags,
		NameLength:            uint8(len(units)),
		ValidDataLength:       dataLength, // == DataLength; sparse files not supported
		FirstCluster:          uint32(firstCluster),
		DataLength:            dataLength,
	}
	seRaw, err := packEntry(&se)
	if err != nil {
		return nil, err
	}
	buf = append(buf, seRaw...)

	for f := 0; f < nameFragments; f++ {
		fn := rawFileNameEntry{EntryType: entryTypeFileName | entryInUseBit}
		for u := 0; u < nameCharsPerFileName; u++ {
			idx := f*nameCharsPerFileName + u
			if idx < len(units) {
				fn.FileName[u] = units[idx]
			}
		}
		fnRaw, err := packEntry(&fn)
		if err != nil {
			return nil, err
		}
		buf = append(buf, fnRaw...)
	}

	checksum := entrySetChecksum(buf)
	putLE16(buf[2:4], checksum)
	return buf, nil
}

// entrySetChecksum computes exFAT's 16-bit directory-entry-set
// checksum: every byte of the chain except the File entry's own
// checksum field (bytes 2-3), folded with a rotate-right-then-add.
func entrySetChecksum(chain []byte) uint16 {
	var sum uint16
	for i, b := range chain {
		if i == 2 || i == 3 {
			continue
		}
		sum = (sum<<15 | sum>>1) + uint16(b)
	}
	return sum
}

func lookupDirent(entries []dirent, name string) (dirent, bool) {
	for _, e := range entries {
		if eqFold(e.name, name) {
			return e, true
		}
	}
	return dirent{}, false
}

// eqFold compares names case-insensitively for ASCII letters only,
// the same a-z to A-Z mapping the upcase table written by Format
// holds; the upcase table loaded from disk is not consulted, and
// non-ASCII letters compare exactly.
func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	ar, br := []rune(a), []rune(b)
	for i := range ar {
		if toUpperRune(ar[i]) != toUpperRune(br[i]) {
			return false
		}
	}
	return true
}

func toUpperRune(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}

// insertDirent appends a new entry chain to the directory rooted at
// firstCluster, growing the chain by one cluster if no run of free
// slots is large enough.
func (v *Volume) insertDirent(firstCluster int64, name string, attr uint16, cluster int64, size uint64) error {
	chain, err := v.encodeChain(name, attr, cluster, size, false)
	if err != nil {
		return err
	}
	raw, err := v.readDirRegion(firstCluster)
	if err != nil {
		return err
	}

	slot := findFreeRun(raw, len(chain))
	if slot == -1 {
		if _, err := v.appendClusterToChain(firstCluster); err != nil {
			return err
		}
		raw, err = v.readDirRegion(firstCluster)
		if err != nil {
			return err
		}
		slot = findFreeRun(raw, len(chain))
		if slot == -1 {
			return ferr.NotSupported("directory has no room for a %d-byte entry chain", len(chain))
		}
	}
	copy(raw[slot:slot+len(chain)], chain)
	return v.writeDirRegion(firstCluster, raw)
}

func findFreeRun(raw []byte, need int) int {
	run := 0
	start := -1
	for i := 0; i+dirEntrySize <= len(raw); i += dirEntrySize {
		if raw[i] == entryTypeEndOfDirectory || raw[i]&entryInUseBit == 0 {
			if run == 0 {
				start = i
			}
			run += dirEntrySize
			if run >= need {
				return start
			}
			continue
		}
		run = 0
		start = -1
	}
	return -1
}

// removeDirent clears the in-use bit of the entry-type byte of every
// entry in name's chain, the exFAT equivalent of FAT's 0xE5 tombstone
// (clearing the in-use bit marks the slots free without needing a
// distinct deleted marker).
func (v *Volume) removeDirent(firstCluster int64, name string) error {
	raw, err := v.readDirRegion(firstCluster)
	if err != nil {
		return err
	}
	entries, err := parseDirents(raw)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if eqFold(e.name, name) {
			for off := e.entryOffset; off < e.entryOffset+e.chainByteLen; off += dirEntrySize {
				raw[off] &^= entryInUseBit
			}
			return v.writeDirRegion(firstCluster, raw)
		}
	}
	return ferr.NotFound("directory entry %q not found", name)
}

// appendClusterToChain extends a directory's cluster chain by one
// zeroed cluster and returns its cluster number.
func (v *Volume) appendClusterToChain(firstCluster int64) (int64, error) {
	newClusters, err := v.allocateChain(1)
	if err != nil {
		return 0, err
	}
	newCluster := newClusters[0]
	if err := v.writeCluster(newCluster, make([]byte, v.geo.clusterSize())); err != nil {
		return 0, err
	}
	chain, err := v.clusterChain(firstCluster)
	if err != nil {
		return 0, err
	}
	last := chain[len(chain)-1]
	if err := v.setEntry(last, uint32(newCluster)); err != nil {
		return 0, err
	}
	return newCluster, v.flushFAT()
}

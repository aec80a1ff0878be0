package fat

import (
	"encoding/binary"
	"strings"

	"github.com/go-restruct/restruct"
	"golang.org/x/text/encoding/charmap"

	"github.com/mosesfs/moses/pkg/ferr"
)

// rawDirEntry mirrors the on-disk 32-byte 8.3 directory entry,
// (de)serialized declaratively with restruct. Long file names live in
// separate attrLongName slots immediately preceding this entry; see
// lfn.go.
type rawDirEntry struct {
	Name         [8]byte
	Ext          [3]byte
	Attr         uint8
	NTReserved   uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LastAccDate  uint16
	FirstClusHi  uint16
	WriteTime    uint16
	WriteDate    uint16
	FirstClusLo  uint16
	FileSize     uint32
}

type dirent struct {
	name      string // long name when an LFN chain precedes the entry, else the short name
	shortName string
	attr      uint8
	cluster   int64
	size      uint32
	slotIdx   int // index within the directory's entry array, of the 8.3 entry itself
	lfnSlots  int // number of long-name entries immediately preceding slotIdx
}

func (d dirent) isDir() bool { return d.attr&attrDirectory != 0 }

// pack8dot3 converts an arbitrary name into an upper-cased 8.3 short
// name pair, encoded with the IBM PC code page 437 the way FAT names
// are conventionally stored.
func pack8dot3(name string) ([8]byte, [3]byte, error) {
	var base [8]byte
	var ext [3]byte
	for i := range base {
		base[i] = ' '
	}
	for i := range ext {
		ext[i] = ' '
	}
	// Dot entries are stored verbatim, space-padded.
	if name == "." || name == ".." {
		copy(base[:], name)
		return base, ext, nil
	}

	stem := name
	suffix := ""
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		stem, suffix = name[:idx], name[idx+1:]
	}
	stem = strings.ToUpper(stem)
	suffix = strings.ToUpper(suffix)

	encStem, err := charmap.CodePage437.NewEncoder().String(stem)
	if err != nil {
		return base, ext, ferr.InvalidArgument("name %q is not representable in code page 437: %v", name, err)
	}
	encSuffix, err := charmap.CodePage437.NewEncoder().String(suffix)
	if err != nil {
		return base, ext, ferr.InvalidArgument("extension %q is not representable in code page 437: %v", name, err)
	}
	if len(encStem) > 8 || len(encSuffix) > 3 {
		return base, ext, ferr.InvalidArgument("name %q does not fit the 8.3 short-name format", name)
	}
	copy(base[:], encStem)
	copy(ext[:], encSuffix)
	return base, ext, nil
}

func unpack8dot3(base [8]byte, ext [3]byte) (string, error) {
	stem, err := charmap.CodePage437.NewDecoder().String(strings.TrimRight(string(base[:]), " "))
	if err != nil {
		return "", ferr.Corruption(ferr.SeverityMinor, "directory entry name decode: %v", err)
	}
	suffix, err := charmap.CodePage437.NewDecoder().String(strings.TrimRight(string(ext[:]), " "))
	if err != nil {
		return "", ferr.Corruption(ferr.SeverityMinor, "directory entry extension decode: %v", err)
	}
	if suffix == "" {
		return stem, nil
	}
	return stem + "." + suffix, nil
}

func decodeRawEntry(buf []byte) (rawDirEntry, error) {
	var e rawDirEntry
	if err := restruct.Unpack(buf[:dirEntrySize], binary.LittleEndian, &e); err != nil {
		return rawDirEntry{}, ferr.Corruption(ferr.SeverityModerate, "directory entry decode: %v", err)
	}
	return e, nil
}

func encodeRawEntry(e rawDirEntry, buf []byte) error {
	raw, err := restruct.Pack(binary.LittleEndian, &e)
	if err != nil {
		return ferr.InvalidArgument("directory entry encode: %v", err)
	}
	copy(buf, raw)
	return nil
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// readDirRegion reads a directory's raw entry bytes, dispatching to
// the fixed root-directory region on FAT12/16 or a cluster chain
// everywhere else.
func (v *Volume) readDirRegion(firstCluster int64) ([]byte, error) {
	if v.geo.typ != Type32 && firstCluster == 0 {
		return v.readSector(v.geo.rootDirStart, v.geo.rootDirSectors*v.geo.bytesPerSector)
	}
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
	if v.geo.typ != Type32 && firstCluster == 0 {
		padded := make([]byte, v.geo.rootDirSectors*v.geo.bytesPerSector)
		copy(padded, data)
		return v.writeSector(v.geo.rootDirStart, padded)
	}
	chain, err := v.clusterChain(firstCluster)
	if err != nil {
		return err
	}
	clusterSize := int(v.geo.clusterSize())
	for i, c := range chain {
		start := i * clusterSize
		end := start + clusterSize
		if start >= len(data) {
			break
		}
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

// readDirents parses every live entry out of a directory region,
// stopping at the first free (0x00) slot, which marks the end of the
// directory, and skipping deleted (0xE5) slots and the volume-label
// entry. A run of attrLongName entries immediately preceding a short
// entry is reassembled into the long name when its checksum matches
// the short entry's 8.3 name; otherwise the short name stands alone.
func (v *Volume) readDirents(firstCluster int64) ([]dirent, error) {
	raw, err := v.readDirRegion(firstCluster)
	if err != nil {
		return nil, err
	}
	var out []dirent
	var pending []lfnFragment
	for i := 0; i+dirEntrySize <= len(raw); i += dirEntrySize {
		slot := raw[i : i+dirEntrySize]
		marker := slot[0]
		if marker == freeEntry {
			break
		}
		if marker == deletedMark {
			pending = nil
			continue
		}
		if slot[11] == attrLongName {
			frag, err := decodeLFNFragment(slot)
			if err != nil {
				return nil, err
			}
			pending = append(pending, frag)
			continue
		}
		e, err := decodeRawEntry(slot)
		if err != nil {
			return nil, err
		}
		if e.Attr&attrVolumeID != 0 {
			pending = nil
			continue
		}
		shortName, err := unpack8dot3(e.Name, e.Ext)
		if err != nil {
			return nil, err
		}

		name := shortName
		lfnSlots := 0
		if len(pending) > 0 {
			want := shortNameChecksum(e.Name, e.Ext)
			allMatch := true
			for _, f := range pending {
				if f.checksum != want {
					allMatch = false
					break
				}
			}
			if allMatch {
				name = assembleLongName(pending)
				lfnSlots = len(pending)
			}
		}
		pending = nil

		out = append(out, dirent{
			name:      name,
			shortName: shortName,
			attr:      e.Attr,
			cluster:   int64(e.FirstClusHi)<<16 | int64(e.FirstClusLo),
			size:      e.FileSize,
			slotIdx:   i / dirEntrySize,
			lfnSlots:  lfnSlots,
		})
	}
	return out, nil
}

func lookupDirent(entries []dirent, name string) (dirent, bool) {
	for _, e := range entries {
		if strings.EqualFold(e.name, name) || (e.shortName != "" && strings.EqualFold(e.shortName, name)) {
			return e, true
		}
	}
	return dirent{}, false
}

// insertDirent appends a new entry to the directory rooted at
// firstCluster, growing it by one cluster if every existing slot is
// occupied (root directories on FAT12/16 cannot grow and return
// ferr.NotSupported when full, matching their fixed-size on-disk
// region). Names outside the plain 8.3 charset are preceded by a
// generated numeric-tail short name and a long-name entry chain.
func (v *Volume) insertDirent(firstCluster int64, name string, attr uint8, cluster int64, size uint32) error {
	var base [8]byte
	var ext [3]byte
	var lfnSlots [][]byte

	if needsLongName(name) {
		existing, err := v.readDirents(firstCluster)
		if err != nil {
			return err
		}
		base, ext, err = generateShortName(name, existing)
		if err != nil {
			return err
		}
		lfnSlots, err = encodeLFNEntries(name, shortNameChecksum(base, ext))
		if err != nil {
			return err
		}
	} else {
		var err error
		base, ext, err = pack8dot3(name)
		if err != nil {
			return err
		}
	}

	raw, err := v.readDirRegion(firstCluster)
	if err != nil {
		return err
	}

	needed := len(lfnSlots) + 1
	slot, raw, err := v.reserveSlots(firstCluster, raw, needed)
	if err != nil {
		return err
	}

	for _, l := range lfnSlots {
		copy(raw[slot:slot+dirEntrySize], l)
		slot += dirEntrySize
	}

	e := rawDirEntry{
		Name:        base,
		Ext:         ext,
		Attr:        attr,
		FirstClusHi: uint16(cluster >> 16),
		FirstClusLo: uint16(cluster),
		FileSize:    size,
	}
	if err := encodeRawEntry(e, raw[slot:slot+dirEntrySize]); err != nil {
		return err
	}
	return v.writeDirRegion(firstCluster, raw)
}

// reserveSlots finds `needed` contiguous free (free or deleted)
// directory-entry slots, growing the directory by one cluster if none
// are available, and returns the byte offset of the first slot plus
// the (possibly regrown) raw directory buffer.
func (v *Volume) reserveSlots(firstCluster int64, raw []byte, needed int) (int, []byte, error) {
	run := 0
	for i := 0; i+dirEntrySize <= len(raw); i += dirEntrySize {
		if raw[i] == freeEntry || raw[i] == deletedMark {
			run++
			if run == needed {
				return i - (needed-1)*dirEntrySize, raw, nil
			}
		} else {
			run = 0
		}
	}
	if v.geo.typ != Type32 && firstCluster == 0 {
		return 0, nil, ferr.NotSupported("root directory is full")
	}
	if _, err := v.appendClusterToChain(firstCluster); err != nil {
		return 0, nil, err
	}
	grown, err := v.readDirRegion(firstCluster)
	if err != nil {
		return 0, nil, err
	}
	return v.reserveSlots(firstCluster, grown, needed)
}

// removeDirent tombstones the entry named name, and any long-name
// entries immediately preceding it, with the 0xE5 deleted marker in
// the same call, rather than deferring reclamation to a later
// compaction pass.
func (v *Volume) removeDirent(firstCluster int64, name string) error {
	entries, err := v.readDirents(firstCluster)
	if err != nil {
		return err
	}
	target, ok := lookupDirent(entries, name)
	if !ok {
		return ferr.NotFound("directory entry %q not found", name)
	}

	raw, err := v.readDirRegion(firstCluster)
	if err != nil {
		return err
	}
	start := target.slotIdx - target.lfnSlots
	for i := 0; i <= target.lfnSlots; i++ {
		off := (start + i) * dirEntrySize
		raw[off] = deletedMark
	}
	return v.writeDirRegion(firstCluster, raw)
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

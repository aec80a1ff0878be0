// Package partimg implements MBR and GPT partition table decode and
// encode for an arbitrary N-partition table, plus per-partition
// filesystem detection and a per-sector analysis report.
package partimg

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mosesfs/moses/pkg/ferr"
)

// On-disk layout constants.
const (
	SectorSize          = 512
	GPTSignature        = 0x5452415020494645 // "EFI PART"
	GPTHeaderSize       = 92
	MaxGPTEntries       = 128
	GPTEntrySize        = 128
	GPTEntriesSectors   = MaxGPTEntries * GPTEntrySize / SectorSize
	PrimaryGPTHeaderLBA = 1
	PrimaryEntriesLBA   = PrimaryGPTHeaderLBA + 1
	FirstUsableLBA      = PrimaryEntriesLBA + GPTEntriesSectors

	ProtectiveMBRType = 0xEE
)

// ProtectiveMBR mirrors the on-disk protective MBR written ahead of a
// GPT: type 0xEE spanning the whole addressable disk (or 0xFFFFFFFF
// sectors when the disk is too large to represent).
type ProtectiveMBR struct {
	Bootloader    [446]byte
	Status        byte
	_             byte
	_             byte
	_             byte
	PartitionType byte
	_             byte
	_             byte
	_             byte
	FirstLBA      uint32
	TotalSectors  uint32
	_             [48]byte
	MagicNumber   [2]byte
}

// GPTHeader mirrors the on-disk GUID Partition Table header.
type GPTHeader struct {
	Signature      uint64
	Revision       [4]byte
	HeaderSize     uint32
	CRC            uint32
	_              uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	GUID           [16]byte
	StartLBAParts  uint64
	NoOfParts      uint32
	SizePartEntry  uint32
	CRCParts       uint32
	_              [420]byte
}

// GPTEntry mirrors one on-disk GUID Partition Table entry.
type GPTEntry struct {
	TypeGUID      [16]byte
	PartitionGUID [16]byte
	FirstLBA      uint64
	LastLBA       uint64
	Attributes    uint64
	Name          [72]byte
}

// Partition is the decoded, caller-friendly view of one GPT entry.
type Partition struct {
	TypeGUID uuid.UUID
	GUID     uuid.UUID
	FirstLBA uint64
	LastLBA  uint64
	Name     string

	// MBRType carries the one-byte partition type when the table was
	// decoded from a classical MBR rather than a GPT.
	MBRType byte

	// Family, if non-empty, is the filesystem family detected inside
	// this partition by Table.DetectFamilies.
	Family string
}

// Table is a decoded or to-be-encoded partition table.
type Table struct {
	Scheme     string // "gpt" or "mbr"
	DiskGUID   uuid.UUID
	Partitions []Partition
	TotalLBAs  uint64
}

func stringToUTF16(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), 0)
	}
	return out
}

func utf16ToString(b []byte) string {
	out := make([]rune, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			break
		}
		out = append(out, rune(uint16(b[i])|uint16(b[i+1])<<8))
	}
	return string(out)
}

// ReadAtSeeker is the minimum capability Decode/Encode need.
type ReadAtSeeker interface {
	io.ReaderAt
	io.Seeker
}

// Decode reads the protective MBR and primary GPT header/entries from
// rw and returns the decoded Table.
func Decode(rw ReadAtSeeker) (*Table, error) {
	mbrBuf := make([]byte, SectorSize)
	if _, err := rw.ReadAt(mbrBuf, 0); err != nil {
		return nil, ferr.IO(0, err)
	}

	var mbr ProtectiveMBR
	if err := binary.Read(bytes.NewReader(mbrBuf), binary.LittleEndian, &mbr); err != nil {
		return nil, err
	}
	if mbr.MagicNumber != [2]byte{0x55, 0xAA} {
		return nil, ferr.Corruption(2, "missing MBR boot signature")
	}
	if mbr.PartitionType != ProtectiveMBRType {
		// A classical MBR rather than a GPT-protective one: the four
		// entry slots at offset 446 are the whole table.
		return decodeMBRTable(mbrBuf), nil
	}

	hdrBuf := make([]byte, SectorSize)
	if _, err := rw.ReadAt(hdrBuf, PrimaryGPTHeaderLBA*SectorSize); err != nil {
		return nil, ferr.IO(PrimaryGPTHeaderLBA*SectorSize, err)
	}

	var hdr GPTHeader
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Signature != GPTSignature {
		return nil, ferr.ValidationFailed("gpt_signature", "EFI PART", "corrupt")
	}
	if hdr.SizePartEntry != GPTEntrySize {
		return nil, ferr.NotSupported("GPT uses abnormal entry size: %d", hdr.SizePartEntry)
	}

	entriesBuf := make([]byte, int64(hdr.NoOfParts)*int64(hdr.SizePartEntry))
	if _, err := rw.ReadAt(entriesBuf, int64(hdr.StartLBAParts)*SectorSize); err != nil {
		return nil, ferr.IO(int64(hdr.StartLBAParts)*SectorSize, err)
	}

	table := &Table{Scheme: "gpt", DiskGUID: guidFromBytes(hdr.GUID), TotalLBAs: hdr.LastUsableLBA}

	r := bytes.NewReader(entriesBuf)
	for i := uint32(0); i < hdr.NoOfParts; i++ {
		var e GPTEntry
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		if e.FirstLBA == 0 && e.LastLBA == 0 {
			continue
		}
		table.Partitions = append(table.Partitions, Partition{
			TypeGUID: guidFromBytes(e.TypeGUID),
			GUID:     guidFromBytes(e.PartitionGUID),
			FirstLBA: e.FirstLBA,
			LastLBA:  e.LastLBA,
			Name:     utf16ToString(e.Name[:]),
		})
	}

	return table, nil
}

func guidFromBytes(b [16]byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:])
	return u
}

// decodeMBRTable parses the four classical 16-byte entries at offset
// 446: {status, CHS start, type, CHS end, first LBA, sector count}.
// Empty slots (type 0 or zero length) are skipped.
func decodeMBRTable(sector []byte) *Table {
	table := &Table{Scheme: "mbr"}
	for i := 0; i < 4; i++ {
		e := sector[446+i*16 : 446+(i+1)*16]
		typ := e[4]
		first := uint64(binary.LittleEndian.Uint32(e[8:12]))
		count := uint64(binary.LittleEndian.Uint32(e[12:16]))
		if typ == 0 || count == 0 {
			continue
		}
		table.Partitions = append(table.Partitions, Partition{
			MBRType:  typ,
			FirstLBA: first,
			LastLBA:  first + count - 1,
		})
		if first+count > table.TotalLBAs {
			table.TotalLBAs = first + count
		}
	}
	return table
}

// FamilyDetector reports whether the bytes at the start of a
// partition reader belong to its family.
type FamilyDetector func(r io.ReaderAt) bool

// DetectFamilies probes every partition against detectors concurrently,
// bounded by a small worker pool, and fills in each Partition's Family
// field (empty if none matched).
func DetectFamilies(ctx context.Context, rw ReadAtSeeker, table *Table, detectors map[string]FamilyDetector) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i := range table.Partitions {
		i := i
		g.Go(func() error {
			p := &table.Partitions[i]
			lbas := p.LastLBA - p.FirstLBA + 1
			sr := io.NewSectionReader(rw, int64(p.FirstLBA)*SectorSize, int64(lbas)*SectorSize)
			for name, detect := range detectors {
				if detect(sr) {
					p.Family = name
					break
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// PartitionReader returns a bounded reader over one partition's
// on-disk extent.
func PartitionReader(rw ReadAtSeeker, p Partition) io.Reader {
	lbas := p.LastLBA - p.FirstLBA + 1
	return io.NewSectionReader(rw, int64(p.FirstLBA)*SectorSize, int64(lbas)*SectorSize)
}

// Encode writes a protective MBR plus primary and backup GPT headers
// and entries for table onto w, sized to totalSectors. Any number of
// partitions up to MaxGPTEntries is accepted.
func Encode(w io.WriteSeeker, table *Table, totalSectors uint64) error {
	if len(table.Partitions) > MaxGPTEntries {
		return ferr.InvalidArgument("too many partitions: %d > %d", len(table.Partitions), MaxGPTEntries)
	}

	lastUsableLBA := totalSectors - uint64(GPTEntriesSectors) - 2
	backupHeaderLBA := totalSectors - 1
	backupEntriesLBA := backupHeaderLBA - GPTEntriesSectors

	entries := make([]byte, MaxGPTEntries*GPTEntrySize)
	buf := bytes.NewBuffer(entries[:0])
	for _, p := range table.Partitions {
		e := GPTEntry{FirstLBA: p.FirstLBA, LastLBA: p.LastLBA}
		tg := p.TypeGUID
		copy(e.TypeGUID[:], tg[:])
		pg := p.GUID
		copy(e.PartitionGUID[:], pg[:])
		copy(e.Name[:], stringToUTF16(p.Name))
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return err
		}
	}
	entries = buf.Bytes()
	entries = append(entries, make([]byte, MaxGPTEntries*GPTEntrySize-len(entries))...)

	entriesCRC := crc32.ChecksumIEEE(entries)

	if err := writeMBR(w, totalSectors); err != nil {
		return err
	}
	if err := writeGPTHeader(w, table, PrimaryGPTHeaderLBA, PrimaryEntriesLBA, backupHeaderLBA, lastUsableLBA, entriesCRC); err != nil {
		return err
	}
	if _, err := w.Seek(PrimaryEntriesLBA*SectorSize, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.Write(entries); err != nil {
		return err
	}

	if _, err := w.Seek(int64(backupEntriesLBA)*SectorSize, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.Write(entries); err != nil {
		return err
	}
	if err := writeGPTHeader(w, table, backupHeaderLBA, backupEntriesLBA, PrimaryGPTHeaderLBA, lastUsableLBA, entriesCRC); err != nil {
		return err
	}

	return nil
}

func writeMBR(w io.WriteSeeker, totalSectors uint64) error {
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	total := uint32(totalSectors - 1)
	if totalSectors-1 > 0xFFFFFFFF {
		total = 0xFFFFFFFF
	}
	mbr := ProtectiveMBR{
		Status:        0x00,
		PartitionType: ProtectiveMBRType,
		FirstLBA:      1,
		TotalSectors:  total,
		MagicNumber:   [2]byte{0x55, 0xAA},
	}
	return binary.Write(w, binary.LittleEndian, &mbr)
}

func writeGPTHeader(w io.WriteSeeker, table *Table, currentLBA, entriesLBA, backupLBA, lastUsableLBA uint64, entriesCRC uint32) error {
	hdr := GPTHeader{
		Signature:      GPTSignature,
		Revision:       [4]byte{0, 0, 1, 0},
		HeaderSize:     GPTHeaderSize,
		CurrentLBA:     currentLBA,
		BackupLBA:      backupLBA,
		FirstUsableLBA: FirstUsableLBA,
		LastUsableLBA:  lastUsableLBA,
		StartLBAParts:  entriesLBA,
		NoOfParts:      MaxGPTEntries,
		SizePartEntry:  GPTEntrySize,
		CRCParts:       entriesCRC,
	}
	copy(hdr.GUID[:], table.DiskGUID[:])

	headerBuf := new(bytes.Buffer)
	_ = binary.Write(headerBuf, binary.LittleEndian, hdr)
	hdr.CRC = crc32.ChecksumIEEE(headerBuf.Bytes()[:GPTHeaderSize])

	if _, err := w.Seek(int64(currentLBA)*SectorSize, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, &hdr)
}

package partimg

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// SignatureHit records one filesystem or partition-table signature
// found at a fixed probe offset during Analyze.
type SignatureHit struct {
	Offset      int64
	Description string
}

// Report is the per-sector analysis of a device: which signatures its
// fixed probe offsets carry, the partition table layout (if any), and
// printable strings recovered from the leading sectors, the raw
// material a support engineer reads before deciding what a damaged
// disk used to be.
type Report struct {
	Scheme     string // "gpt", "mbr", or "" when no table decodes
	Partitions []Partition
	Signatures []SignatureHit
	Strings    []string
}

// analyzeStringsWindow bounds how far Analyze reads when recovering
// ASCII strings, and minStringLen how short a printable run can be
// before it is noise rather than a label or OEM id.
const (
	analyzeStringsWindow = 64 * SectorSize
	minStringLen         = 6
	maxStrings           = 64
)

// Analyze probes the device's fixed signature offsets, decodes
// whatever partition table is present, and recovers printable strings
// from the leading sectors. Corrupt or absent structures degrade the
// report rather than failing it; only a read error is fatal.
func Analyze(rw ReadAtSeeker, size int64) (*Report, error) {
	rep := &Report{}

	head := make([]byte, 2*SectorSize)
	if _, err := rw.ReadAt(head, 0); err != nil {
		return nil, err
	}
	sector0 := head[:SectorSize]

	if sector0[510] == 0x55 && sector0[511] == 0xAA {
		rep.Signatures = append(rep.Signatures, SignatureHit{Offset: 510, Description: "boot sector signature 0x55AA"})
	}
	switch {
	case string(sector0[3:11]) == "NTFS    ":
		rep.Signatures = append(rep.Signatures, SignatureHit{Offset: 3, Description: "NTFS OEM identifier"})
	case string(sector0[3:11]) == "EXFAT   ":
		rep.Signatures = append(rep.Signatures, SignatureHit{Offset: 3, Description: "exFAT OEM identifier"})
	}
	if string(sector0[82:87]) == "FAT32" {
		rep.Signatures = append(rep.Signatures, SignatureHit{Offset: 82, Description: "FAT32 type string"})
	} else if string(sector0[54:57]) == "FAT" {
		rep.Signatures = append(rep.Signatures, SignatureHit{Offset: 54, Description: "FAT12/16 type string"})
	}

	if size > 1082 {
		ext := make([]byte, 2)
		if _, err := rw.ReadAt(ext, 1080); err == nil {
			if uint16(ext[0])|uint16(ext[1])<<8 == 0xEF53 {
				rep.Signatures = append(rep.Signatures, SignatureHit{Offset: 1080, Description: "ext superblock magic 0xEF53"})
			}
		}
	}
	if string(head[SectorSize:SectorSize+8]) == "EFI PART" {
		rep.Signatures = append(rep.Signatures, SignatureHit{Offset: SectorSize, Description: "GPT header signature"})
	}

	if table, err := Decode(rw); err == nil {
		rep.Scheme = table.Scheme
		rep.Partitions = table.Partitions
	}

	window := analyzeStringsWindow
	if int64(window) > size {
		window = int(size)
	}
	buf := make([]byte, window)
	if _, err := rw.ReadAt(buf, 0); err == nil {
		rep.Strings = recoverStrings(buf)
	}

	return rep, nil
}

// recoverStrings extracts printable-ASCII runs of at least
// minStringLen bytes, deduplicated, capped at maxStrings.
func recoverStrings(buf []byte) []string {
	var out []string
	seen := make(map[string]bool)
	start := -1
	flush := func(end int) {
		if start < 0 || end-start < minStringLen {
			start = -1
			return
		}
		s := string(buf[start:end])
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
		start = -1
	}
	for i, b := range buf {
		if b >= 0x20 && b < 0x7F {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
		if len(out) >= maxStrings {
			return out
		}
	}
	flush(len(buf))
	return out
}

// String renders the report the way the Analyze command surfaces it to
// a human reader.
func (r *Report) String() string {
	var b strings.Builder
	if r.Scheme == "" {
		b.WriteString("no partition table decoded\n")
	} else {
		fmt.Fprintf(&b, "partition table: %s, %d partitions\n", r.Scheme, len(r.Partitions))
		for i, p := range r.Partitions {
			bytesLen := (p.LastLBA - p.FirstLBA + 1) * SectorSize
			fmt.Fprintf(&b, "  #%d LBA %d..%d (%s)", i, p.FirstLBA, p.LastLBA, humanize.Bytes(bytesLen))
			if p.Name != "" {
				fmt.Fprintf(&b, " %q", p.Name)
			}
			if p.Family != "" {
				fmt.Fprintf(&b, " [%s]", p.Family)
			}
			b.WriteByte('\n')
		}
	}
	for _, s := range r.Signatures {
		fmt.Fprintf(&b, "signature at %d: %s\n", s.Offset, s.Description)
	}
	if len(r.Strings) > 0 {
		fmt.Fprintf(&b, "recovered strings: %s\n", strings.Join(r.Strings, ", "))
	}
	return b.String()
}

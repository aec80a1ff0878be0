package fat

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/go-restruct/restruct"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/mosesfs/moses/pkg/ferr"
)

const lfnUnitsPerEntry = 13
const lfnLastEntryFlag = 0x40
const lfnOrderMask = 0x3F

// rawLFNEntry mirrors the 32-byte long-name slot: thirteen UTF-16
// name units split into three groups around the attribute, checksum,
// and (always-zero) first-cluster fields the slot shares with the 8.3
// entry layout.
type rawLFNEntry struct {
	Order       uint8
	Name1       [5]uint16
	Attr        uint8
	Type        uint8
	Checksum    uint8
	Name2       [6]uint16
	FirstClusLo uint16
	Name3       [2]uint16
}

func (e rawLFNEntry) units() []uint16 {
	units := make([]uint16, 0, lfnUnitsPerEntry)
	units = append(units, e.Name1[:]...)
	units = append(units, e.Name2[:]...)
	units = append(units, e.Name3[:]...)
	return units
}

// decodeLFNFragment parses one long-name entry slot.
func decodeLFNFragment(slot []byte) (lfnFragment, error) {
	var e rawLFNEntry
	if err := restruct.Unpack(slot[:dirEntrySize], binary.LittleEndian, &e); err != nil {
		return lfnFragment{}, ferr.Corruption(ferr.SeverityModerate, "long-name entry decode: %v", err)
	}
	return lfnFragment{order: e.Order, checksum: e.Checksum, units: e.units()}, nil
}

// assembleLongName reconstructs a long filename from its fragments,
// collected in the physical (reverse) order they were read off disk.
// Fragments are sorted by ascending sequence number, concatenated,
// and trimmed at the first NUL unit the reference encoding pads with.
func assembleLongName(fragments []lfnFragment) string {
	sort.Slice(fragments, func(i, j int) bool {
		return (fragments[i].order & lfnOrderMask) < (fragments[j].order & lfnOrderMask)
	})
	var units []uint16
	for _, f := range fragments {
		units = append(units, f.units...)
	}
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

type lfnFragment struct {
	order    uint8
	checksum uint8
	units    []uint16
}

// foldDiacritics maps accented Latin letters to their base ASCII form
// ("é" -> "e"), matching the transliteration the short-name generator
// applies before stripping characters the 8.3 charset disallows.
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// shortNameBasis reduces name to the alnum-only, upper-cased
// characters the 8.3 charset allows, after diacritic folding. Spaces,
// punctuation, and anything outside ASCII alnum are dropped rather
// than substituted.
func shortNameBasis(name string) string {
	folded := foldDiacritics(name)
	var b strings.Builder
	for _, r := range folded {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitStemExt(name string) (stem, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// needsLongName reports whether name cannot be stored as a plain 8.3
// short entry: lower-case letters, characters outside the 8.3 charset, or a
// stem/extension that overruns 8/3 characters all require an LFN
// chain to preserve the original name.
func needsLongName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	stem, ext := splitStemExt(name)
	if stem == "" || len(stem) > 8 || len(ext) > 3 {
		return true
	}
	if stem != shortNameBasis(stem) || (ext != "" && ext != shortNameBasis(ext)) {
		return true
	}
	return false
}

// generateShortName builds a unique 8.3 short name for a long
// filename, using the numeric-tail convention (NAME~1.EXT) and
// checking collisions against the directory's existing short names.
func generateShortName(longName string, existing []dirent) ([8]byte, [3]byte, error) {
	stem, ext := splitStemExt(longName)
	stemBasis := shortNameBasis(stem)
	extBasis := shortNameBasis(ext)
	if len(extBasis) > 3 {
		extBasis = extBasis[:3]
	}
	if stemBasis == "" {
		stemBasis = "FILE"
	}

	taken := make(map[string]bool, len(existing))
	for _, e := range existing {
		taken[strings.ToUpper(e.shortName)] = true
	}

	for n := 1; n < 1_000_000; n++ {
		tail := fmt.Sprintf("~%d", n)
		prefixLen := 8 - len(tail)
		if prefixLen > len(stemBasis) {
			prefixLen = len(stemBasis)
		}
		if prefixLen < 0 {
			prefixLen = 0
		}
		candidateStem := stemBasis[:prefixLen] + tail
		candidate := candidateStem
		if extBasis != "" {
			candidate += "." + extBasis
		}
		if !taken[candidate] {
			return pack8dot3(candidateStem + dotIf(extBasis))
		}
	}
	return [8]byte{}, [3]byte{}, fmt.Errorf("fat: could not generate a unique short name for %q", longName)
}

func dotIf(ext string) string {
	if ext == "" {
		return ""
	}
	return "." + ext
}

// shortNameChecksum implements the FAT spec's ChkSum algorithm over
// the 11-byte combined name+extension field, used to bind an LFN
// chain to the short entry it precedes.
func shortNameChecksum(base [8]byte, ext [3]byte) byte {
	var full [11]byte
	copy(full[:8], base[:])
	copy(full[8:], ext[:])
	var sum byte
	for _, c := range full {
		if sum&1 != 0 {
			sum = 0x80 + (sum >> 1) + c
		} else {
			sum = (sum >> 1) + c
		}
	}
	return sum
}

// encodeLFNEntries renders the long-name entry chain for name,
// physically ordered the way it is written to disk: the entry
// carrying the name's tail comes first, flagged with
// lfnLastEntryFlag, descending to sequence 1 immediately before the
// short entry.
func encodeLFNEntries(name string, checksum byte) ([][]byte, error) {
	units := utf16.Encode([]rune(name))
	units = append(units, 0x0000)
	n := (len(units) + lfnUnitsPerEntry - 1) / lfnUnitsPerEntry

	entries := make([][]byte, n)
	for i := 0; i < n; i++ {
		seq := i + 1
		start := i * lfnUnitsPerEntry
		end := start + lfnUnitsPerEntry
		chunk := make([]uint16, lfnUnitsPerEntry)
		for j := range chunk {
			chunk[j] = 0xFFFF
		}
		for j := start; j < end && j < len(units); j++ {
			chunk[j-start] = units[j]
		}

		e := rawLFNEntry{Order: uint8(seq), Attr: attrLongName, Checksum: checksum}
		if seq == n {
			e.Order |= lfnLastEntryFlag
		}
		copy(e.Name1[:], chunk[0:5])
		copy(e.Name2[:], chunk[5:11])
		copy(e.Name3[:], chunk[11:13])

		slot, err := restruct.Pack(binary.LittleEndian, &e)
		if err != nil {
			return nil, ferr.InvalidArgument("long-name entry encode: %v", err)
		}
		entries[n-1-i] = slot // physical order is reverse of sequence order
	}
	return entries, nil
}

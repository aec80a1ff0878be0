package ntfs

import (
	"github.com/mosesfs/moses/pkg/ferr"
)

// record is the decoded form of one 1024-byte MFT record: header
// fields plus the attribute list, with the update-sequence-array
// fixup already applied (on decode) or pending (on encode).
type record struct {
	number      int64
	sequence    uint16
	flags       uint16 // flagRecordInUse, flagRecordIsDir
	linkCount   uint16
	baseRecord  uint64
	nextAttrID  uint16
	attributes  []attribute
}

func (r record) inUse() bool  { return r.flags&flagRecordInUse != 0 }
func (r record) isDir() bool  { return r.flags&flagRecordIsDir != 0 }

// attribute is one generic attribute: resident attributes carry their
// value inline, non-resident attributes carry a data-run list instead.
type attribute struct {
	typ         uint32
	id          uint16
	nonResident bool
	name        string

	value []byte // resident only

	runs     []run // non-resident only
	realSize uint64
}

type run struct {
	length int64
	lcn    int64 // absolute logical cluster number; -1 marks a sparse run
}

// decodeRecord applies USA fixup and parses the attribute list out of
// one raw 1024-byte MFT record.
func decodeRecord(raw []byte, recordNum int64) (record, error) {
	if len(raw) < mftRecordSize {
		return record{}, ferr.Corruption(ferr.SeverityModerate, "MFT record %d short read", recordNum)
	}
	if string(raw[0:4]) != mftSignature {
		return record{}, ferr.Corruption(ferr.SeverityMinor, "MFT record %d missing FILE signature", recordNum)
	}
	usaOffset := le16(raw[4:6])
	usaCount := le16(raw[6:8])

	fixed := make([]byte, len(raw))
	copy(fixed, raw)

	usn := le16(raw[usaOffset : usaOffset+2])
	sectors := int(usaCount) - 1
	for s := 0; s < sectors; s++ {
		tail := (s+1)*sectorStride - 2
		if tail+2 > len(fixed) {
			break
		}
		if le16(fixed[tail:tail+2]) != usn {
			return record{}, ferr.Corruption(ferr.SeverityModerate, "MFT record %d USA mismatch in sector %d", recordNum, s)
		}
		orig := raw[int(usaOffset)+2+s*2 : int(usaOffset)+4+s*2]
		copy(fixed[tail:tail+2], orig)
	}

	r := record{
		number:     recordNum,
		sequence:   le16(fixed[16:18]),
		linkCount:  le16(fixed[18:20]),
		flags:      le16(fixed[22:24]),
		baseRecord: le64(fixed[32:40]),
		nextAttrID: le16(fixed[40:42]),
	}
	attrOff := int(le16(fixed[20:22]))
	attrs, err := parseAttributes(fixed, attrOff)
	if err != nil {
		return record{}, err
	}
	r.attributes = attrs
	return r, nil
}

func parseAttributes(raw []byte, off int) ([]attribute, error) {
	var out []attribute
	for off+8 <= len(raw) {
		typ := le32(raw[off : off+4])
		if typ == attrEnd {
			break
		}
		length := le32(raw[off+4 : off+8])
		if length == 0 || off+int(length) > len(raw) {
			return nil, ferr.Corruption(ferr.SeverityModerate, "MFT attribute length runs past record end")
		}
		body := raw[off : off+int(length)]
		nonResident := body[8] != 0
		nameLen := int(body[9])
		nameOffset := int(le16(body[10:12]))
		id := le16(body[14:16])

		a := attribute{typ: typ, id: id, nonResident: nonResident}
		if nameLen > 0 {
			units := make([]uint16, nameLen)
			for i := range units {
				units[i] = le16(body[nameOffset+i*2 : nameOffset+i*2+2])
			}
			a.name = string(utf16Decode(units))
		}

		if nonResident {
			realSize := le64(body[48:56])
			runListOffset := int(le16(body[32:34]))
			runs, err := decodeRunList(body[runListOffset:])
			if err != nil {
				return nil, err
			}
			a.runs = runs
			a.realSize = realSize
		} else {
			valLen := le32(body[16:20])
			valOff := le16(body[20:22])
			a.value = append([]byte(nil), body[valOff:int(valOff)+int(valLen)]...)
		}
		out = append(out, a)
		off += int(length)
		if length%8 != 0 {
			off += 8 - int(length%8)
		}
	}
	return out, nil
}

// encodeRecord renders a record back to 1024 bytes and applies the
// update-sequence-array fixup, stamping a fresh USN into the last two
// bytes of every 512-byte sector in the record.
func encodeRecord(r record, usn uint16, clusterSize int64) []byte {
	raw := make([]byte, mftRecordSize)
	copy(raw[0:4], mftSignature)

	sectors := mftRecordSize / sectorStride
	usaCount := sectors + 1
	usaOffset := 48 // fixed header through offset 48, attributes start at 56 to leave room for a small USA
	attrStart := usaOffset + usaCount*2
	if attrStart%8 != 0 {
		attrStart += 8 - attrStart%8
	}

	putLE16(raw[4:6], uint16(usaOffset))
	putLE16(raw[6:8], uint16(usaCount))
	putLE16(raw[16:18], r.sequence)
	putLE16(raw[18:20], r.linkCount)
	putLE16(raw[20:22], uint16(attrStart))
	putLE16(raw[22:24], r.flags)
	putLE64(raw[32:40], r.baseRecord)
	putLE16(raw[40:42], r.nextAttrID)
	putLE32(raw[44:48], uint32(r.number))

	off := attrStart
	for _, a := range r.attributes {
		n := encodeAttribute(a, clusterSize)
		copy(raw[off:], n)
		off += len(n)
	}
	putLE32(raw[off:off+4], attrEnd)
	off += 8
	putLE32(raw[24:28], uint32(off))     // BytesInUse
	putLE32(raw[28:32], mftRecordSize)   // BytesAllocated spans the whole record

	putLE16(raw[usaOffset:usaOffset+2], usn)
	for s := 0; s < sectors; s++ {
		tail := (s+1)*sectorStride - 2
		copy(raw[usaOffset+2+s*2:usaOffset+4+s*2], raw[tail:tail+2])
		putLE16(raw[tail:tail+2], usn)
	}
	return raw
}

func encodeAttribute(a attribute, clusterSize int64) []byte {
	nameUnits := utf16Encode(a.name)
	nameBytes := len(nameUnits) * 2

	if !a.nonResident {
		headerLen := 24 + nameBytes
		if headerLen%8 != 0 {
			headerLen += 8 - headerLen%8
		}
		total := headerLen + len(a.value)
		if total%8 != 0 {
			total += 8 - total%8
		}
		buf := make([]byte, total)
		putLE32(buf[0:4], a.typ)
		putLE32(buf[4:8], uint32(total))
		buf[8] = 0
		buf[9] = byte(len(nameUnits))
		putLE16(buf[10:12], uint16(24))
		putLE16(buf[14:16], a.id)
		putLE32(buf[16:20], uint32(len(a.value)))
		putLE16(buf[20:22], uint16(headerLen))
		for i, u := range nameUnits {
			putLE16(buf[24+i*2:26+i*2], u)
		}
		copy(buf[headerLen:], a.value)
		return buf
	}

	runBytes := encodeRunList(a.runs)
	headerLen := 64 + nameBytes
	if headerLen%8 != 0 {
		headerLen += 8 - headerLen%8
	}
	total := headerLen + len(runBytes)
	if total%8 != 0 {
		total += 8 - total%8
	}
	buf := make([]byte, total)
	putLE32(buf[0:4], a.typ)
	putLE32(buf[4:8], uint32(total))
	buf[8] = 1
	buf[9] = byte(len(nameUnits))
	putLE16(buf[10:12], uint16(64))
	putLE16(buf[14:16], a.id)
	var lastVCN int64
	for _, r := range a.runs {
		lastVCN += r.length
	}
	if lastVCN > 0 {
		lastVCN--
	}
	putLE64(buf[24:32], uint64(lastVCN))
	putLE16(buf[32:34], uint16(headerLen))
	putLE64(buf[40:48], uint64(clustersInRuns(a.runs))*uint64(clusterSize)) // AllocatedSize
	putLE64(buf[48:56], a.realSize)
	putLE64(buf[56:64], a.realSize)
	for i, u := range nameUnits {
		putLE16(buf[64+i*2:66+i*2], u)
	}
	copy(buf[headerLen:], runBytes)
	return buf
}

func clustersInRuns(runs []run) int64 {
	var n int64
	for _, r := range runs {
		n += r.length
	}
	return n
}

// decodeRunList parses NTFS's variable-length data-run encoding:
// header byte (offsetBytes<<4 | lengthBytes), then lengthBytes bytes
// of run length, then offsetBytes bytes of a signed LCN delta relative
// to the previous run (0 offset-byte-count marks a sparse run).
func decodeRunList(raw []byte) ([]run, error) {
	var out []run
	var lcn int64
	i := 0
	for i < len(raw) {
		header := raw[i]
		if header == 0 {
			break
		}
		lengthBytes := int(header & 0x0F)
		offsetBytes := int(header >> 4)
		i++
		if i+lengthBytes+offsetBytes > len(raw) {
			return nil, ferr.Corruption(ferr.SeverityModerate, "data run list truncated")
		}
		length := readUintLE(raw[i : i+lengthBytes])
		i += lengthBytes

		sparse := offsetBytes == 0
		var delta int64
		if !sparse {
			delta = readIntLE(raw[i : i+offsetBytes])
			i += offsetBytes
		}
		if sparse {
			out = append(out, run{length: int64(length), lcn: -1})
		} else {
			lcn += delta
			out = append(out, run{length: int64(length), lcn: lcn})
		}
	}
	return out, nil
}

func encodeRunList(runs []run) []byte {
	var buf []byte
	var prevLCN int64
	for _, r := range runs {
		lengthBytes := minBytesUnsigned(uint64(r.length))
		if r.lcn < 0 {
			header := byte(lengthBytes)
			buf = append(buf, header)
			buf = append(buf, encodeUintLE(uint64(r.length), lengthBytes)...)
			continue
		}
		delta := r.lcn - prevLCN
		prevLCN = r.lcn
		offsetBytes := minBytesSigned(delta)
		header := byte(offsetBytes<<4) | byte(lengthBytes)
		buf = append(buf, header)
		buf = append(buf, encodeUintLE(uint64(r.length), lengthBytes)...)
		buf = append(buf, encodeIntLE(delta, offsetBytes)...)
	}
	buf = append(buf, 0)
	return buf
}

func minBytesUnsigned(v uint64) int {
	n := 1
	for v>>(uint(n)*8) != 0 {
		n++
	}
	return n
}

func minBytesSigned(v int64) int {
	n := 1
	for {
		lo := -(int64(1) << uint(n*8-1))
		hi := (int64(1) << uint(n*8-1)) - 1
		if v >= lo && v <= hi {
			return n
		}
		n++
	}
}

func readUintLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func encodeUintLE(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func readIntLE(b []byte) int64 {
	u := readUintLE(b)
	bits := uint(len(b) * 8)
	shift := 64 - bits
	return int64(u<<shift) >> shift
}

func encodeIntLE(v int64, n int) []byte {
	return encodeUintLE(uint64(v), n)
}

func (r *record) findAttr(typ uint32) *attribute {
	for i := range r.attributes {
		if r.attributes[i].typ == typ {
			return &r.attributes[i]
		}
	}
	return nil
}

func (r *record) removeAttr(typ uint32) {
	out := r.attributes[:0]
	for _, a := range r.attributes {
		if a.typ != typ {
			out = append(out, a)
		}
	}
	r.attributes = out
}

package jbd2

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// recoveredTxn is one fully-committed transaction found during the
// scan pass: its descriptor tags, its revoke list, and where its data
// blocks begin in log-slot space.
type recoveredTxn struct {
	sequence  uint32
	tags      []Tag
	revoked   []uint64
	dataStart int64
}

// Recover performs the mandatory three-pass recovery: scan finds every
// committed transaction in the log, revoke builds the set of blocks a
// later transaction superseded, and replay writes every tag not
// revoked back to its real filesystem location, oldest transaction
// first.
func (j *Journal) Recover() error {
	txns, err := j.scan()
	if err != nil {
		return err
	}
	sort.Slice(txns, func(a, b int) bool { return txns[a].sequence < txns[b].sequence })

	revoked := j.buildRevokeMap(txns)

	return j.replay(txns, revoked)
}

func (j *Journal) scan() ([]recoveredTxn, error) {
	var txns []recoveredTxn

	for slot := int64(0); slot < j.numBlocks; {
		block, err := j.readBlock(slot)
		if err != nil {
			return nil, err
		}

		var hdr blockHeader
		if err := binary.Read(bytes.NewReader(block), binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		if hdr.Magic != magicNumber || hdr.BlockType != blockTypeDescriptor {
			slot++
			continue
		}

		r := bytes.NewReader(block[12:])
		var numTags uint32
		if err := binary.Read(r, binary.LittleEndian, &numTags); err != nil {
			return nil, err
		}
		tags := make([]Tag, numTags)
		for i := range tags {
			if err := binary.Read(r, binary.LittleEndian, &tags[i]); err != nil {
				return nil, err
			}
		}

		dataStart := slot + 1
		cursor := dataStart + int64(numTags)

		var revoked []uint64
		revokeBlock, err := j.readBlock(cursor)
		if err != nil {
			return nil, err
		}
		var revHdr blockHeader
		_ = binary.Read(bytes.NewReader(revokeBlock), binary.LittleEndian, &revHdr)
		if revHdr.Magic == magicNumber && revHdr.BlockType == blockTypeRevoke && revHdr.Sequence == hdr.Sequence {
			rr := bytes.NewReader(revokeBlock[12:])
			var numRevoked uint32
			_ = binary.Read(rr, binary.LittleEndian, &numRevoked)
			revoked = make([]uint64, numRevoked)
			for i := range revoked {
				_ = binary.Read(rr, binary.LittleEndian, &revoked[i])
			}
			cursor++
		}

		commitBlock, err := j.readBlock(cursor)
		if err != nil {
			return nil, err
		}
		var commitHdr blockHeader
		_ = binary.Read(bytes.NewReader(commitBlock), binary.LittleEndian, &commitHdr)
		if commitHdr.Magic != magicNumber || commitHdr.BlockType != blockTypeCommit || commitHdr.Sequence != hdr.Sequence {
			// descriptor without a matching commit block: the
			// transaction never finished committing before the crash.
			slot++
			continue
		}

		txns = append(txns, recoveredTxn{
			sequence:  hdr.Sequence,
			tags:      tags,
			revoked:   revoked,
			dataStart: dataStart,
		})

		slot = cursor + 1
	}

	return txns, nil
}

// buildRevokeMap maps a revoked block to the highest transaction
// sequence number that revoked it: replay skips writing that block
// for any transaction at or before that sequence.
func (j *Journal) buildRevokeMap(txns []recoveredTxn) map[uint64]uint32 {
	revoked := make(map[uint64]uint32)
	for _, t := range txns {
		for _, b := range t.revoked {
			if cur, ok := revoked[b]; !ok || t.sequence > cur {
				revoked[b] = t.sequence
			}
		}
	}
	return revoked
}

func (j *Journal) replay(txns []recoveredTxn, revoked map[uint64]uint32) error {
	for _, t := range txns {
		for i, tag := range t.tags {
			if seq, ok := revoked[tag.FSBlock]; ok && t.sequence <= seq {
				continue
			}
			data, err := j.readBlock(t.dataStart + int64(i))
			if err != nil {
				return err
			}
			if err := j.commitWriter(tag.FSBlock, data); err != nil {
				return err
			}
		}
	}
	return nil
}

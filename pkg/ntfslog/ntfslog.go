// Package ntfslog implements an NTFS-style $LogFile: a fixed-size
// page log with two rotating restart areas and a write-ahead record
// format (this_lsn, prev_lsn, undo_next_lsn, client_id, redo/undo
// operation and data, target attribute/VCN), recovered via an
// analysis/redo/undo pass. Structured like pkg/jbd2 for consistency
// between the engine's two journal packages.
package ntfslog

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	circbuf "github.com/armon/circbuf"

	"github.com/mosesfs/moses/pkg/ferr"
)

const (
	// PageSize is the fixed $LogFile page size NTFS uses.
	PageSize = 4096

	restartAreaCount = 2

	txnActive    = 1
	txnPrepared  = 2
	txnCommitted = 3
	txnAborted   = 4
)

// RestartArea is one of the two rotating areas recording the last
// known-good checkpoint LSN.
type RestartArea struct {
	CheckpointLSN uint64
	Sequence      uint32
}

// Record is one write-ahead log entry.
type Record struct {
	ThisLSN     uint64
	PrevLSN     uint64
	UndoNextLSN uint64
	ClientID    uint32
	TargetAttr  uint64
	TargetVCN   uint64
	RedoOp      uint16
	UndoOp      uint16
	RedoData    []byte
	UndoData    []byte
}

// TransactionState tracks one client transaction's lifecycle.
type TransactionState int

const (
	StateActive TransactionState = iota
	StatePrepared
	StateCommitted
	StateAborted
)

// RedoApplier applies a record's redo data to the real filesystem
// during recovery's redo pass.
type RedoApplier func(r Record) error

// UndoApplier reverts a record's effect using its undo data, during
// recovery's undo pass.
type UndoApplier func(r Record) error

// Log manages the circular page log and the transaction pipeline
// above it.
type Log struct {
	mu sync.Mutex

	dev        io.ReadWriteSeeker
	startPage  int64
	numPages   int64
	nextLSN    uint64
	restart    [restartAreaCount]RestartArea
	activeArea int

	window *circbuf.Buffer

	applyRedo RedoApplier
	applyUndo UndoApplier
}

// Options configures a new Log.
type Options struct {
	Device    io.ReadWriteSeeker
	StartPage int64
	NumPages  int64
	ApplyRedo RedoApplier
	ApplyUndo UndoApplier
}

// Open initializes a Log over the circular page region described by opts.
// The Log starts at LSN 1 with zeroed restart areas. It does not read
// records already present in the region, and the restart areas are
// kept in memory only, never written to the device.
func Open(opts Options) (*Log, error) {
	window, err := circbuf.NewBuffer(opts.NumPages * PageSize)
	if err != nil {
		return nil, err
	}
	return &Log{
		dev:       opts.Device,
		startPage: opts.StartPage,
		numPages:  opts.NumPages,
		window:    window,
		applyRedo: opts.ApplyRedo,
		applyUndo: opts.ApplyUndo,
		nextLSN:   1,
	}, nil
}

func (l *Log) pageOffset(idx int64) int64 {
	return (l.startPage + (idx % l.numPages)) * PageSize
}

// Append writes rec to the next log slot, assigning it a fresh LSN,
// and rotates to the other restart area, the way NTFS alternates
// between its two restart pages instead of rewriting one in place.
// The new area records lsn as the log head and carries the checkpoint
// LSN forward unchanged, so the record stays inside what Recover
// analyzes.
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSN
	l.nextLSN++
	rec.ThisLSN = lsn

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, rec.ThisLSN)
	_ = binary.Write(buf, binary.LittleEndian, rec.PrevLSN)
	_ = binary.Write(buf, binary.LittleEndian, rec.UndoNextLSN)
	_ = binary.Write(buf, binary.LittleEndian, rec.ClientID)
	_ = binary.Write(buf, binary.LittleEndian, rec.TargetAttr)
	_ = binary.Write(buf, binary.LittleEndian, rec.TargetVCN)
	_ = binary.Write(buf, binary.LittleEndian, rec.RedoOp)
	_ = binary.Write(buf, binary.LittleEndian, rec.UndoOp)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(rec.RedoData)))
	buf.Write(rec.RedoData)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(rec.UndoData)))
	buf.Write(rec.UndoData)

	page := make([]byte, PageSize)
	if buf.Len() > PageSize-8 {
		return 0, ferr.InvalidArgument("log record too large for one page: %d bytes", buf.Len())
	}
	copy(page, buf.Bytes())

	off := l.pageOffset(int64(lsn))
	if _, err := l.dev.Seek(off, io.SeekStart); err != nil {
		return 0, ferr.IO(off, err)
	}
	if _, err := l.dev.Write(page); err != nil {
		return 0, ferr.IO(off, err)
	}
	_, _ = l.window.Write(page)

	prev := l.restart[l.activeArea]
	l.activeArea = (l.activeArea + 1) % restartAreaCount
	l.restart[l.activeArea] = RestartArea{CheckpointLSN: prev.CheckpointLSN, Sequence: uint32(lsn)}

	return lsn, nil
}

// decodePage parses one page's worth of bytes into a Record, checking
// that the page's own LSN stamp matches the slot it was read from or
// cached under.
func decodePage(page []byte, lsn uint64) (Record, error) {
	r := bytes.NewReader(page)
	var rec Record
	_ = binary.Read(r, binary.LittleEndian, &rec.ThisLSN)
	_ = binary.Read(r, binary.LittleEndian, &rec.PrevLSN)
	_ = binary.Read(r, binary.LittleEndian, &rec.UndoNextLSN)
	_ = binary.Read(r, binary.LittleEndian, &rec.ClientID)
	_ = binary.Read(r, binary.LittleEndian, &rec.TargetAttr)
	_ = binary.Read(r, binary.LittleEndian, &rec.TargetVCN)
	_ = binary.Read(r, binary.LittleEndian, &rec.RedoOp)
	_ = binary.Read(r, binary.LittleEndian, &rec.UndoOp)

	var redoLen uint32
	_ = binary.Read(r, binary.LittleEndian, &redoLen)
	rec.RedoData = make([]byte, redoLen)
	_, _ = io.ReadFull(r, rec.RedoData)

	var undoLen uint32
	_ = binary.Read(r, binary.LittleEndian, &undoLen)
	rec.UndoData = make([]byte, undoLen)
	_, _ = io.ReadFull(r, rec.UndoData)

	if rec.ThisLSN != lsn {
		return Record{}, ferr.Corruption(1, "log slot %d does not contain LSN %d", lsn, lsn)
	}
	return rec, nil
}

// windowRecord scans the in-memory window for lsn's page, most
// recently written first, so a read of a page still held in memory
// skips the round trip to the device.
func (l *Log) windowRecord(lsn uint64) (Record, bool) {
	buf := l.window.Bytes()
	for off := len(buf) - PageSize; off >= 0; off -= PageSize {
		page := buf[off : off+PageSize]
		if binary.LittleEndian.Uint64(page[:8]) != lsn {
			continue
		}
		rec, err := decodePage(page, lsn)
		if err != nil {
			continue
		}
		return rec, true
	}
	return Record{}, false
}

func (l *Log) readRecord(lsn uint64) (Record, error) {
	if rec, ok := l.windowRecord(lsn); ok {
		return rec, nil
	}

	off := l.pageOffset(int64(lsn))
	if _, err := l.dev.Seek(off, io.SeekStart); err != nil {
		return Record{}, ferr.IO(off, err)
	}
	page := make([]byte, PageSize)
	if _, err := io.ReadFull(l.dev, page); err != nil {
		return Record{}, ferr.IO(off, err)
	}

	return decodePage(page, lsn)
}

// latestCheckpoint picks whichever restart area has the higher LSN,
// the rotation NTFS relies on so a torn write to one area never loses
// the other's checkpoint.
func (l *Log) latestCheckpoint() uint64 {
	var best uint64
	for _, ra := range l.restart {
		if ra.CheckpointLSN > best {
			best = ra.CheckpointLSN
		}
	}
	return best
}

// Package jbd2 implements the ext3/4 journaling core: a circular
// 4KiB-block log of transactions, each a descriptor block plus
// tagged data blocks, an optional revoke block, and a commit block.
// New transactions are admitted through a transaction barrier modeled
// on the original engine's Mutex/Condvar barrier (an in-flight
// operation counter, a pending-barrier queue, and a bounded drain),
// and a three-pass recovery (scan, revoke, replay) restores a
// crash-consistent state on mount.
package jbd2

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"time"

	circbuf "github.com/armon/circbuf"
	"github.com/beeker1121/goque"

	"github.com/mosesfs/moses/pkg/engcfg"
	"github.com/mosesfs/moses/pkg/ferr"
)

const (
	// BlockSize is the fixed journal block size, matching ext4's
	// common 4KiB filesystem block size.
	BlockSize = 4096

	magicNumber = 0xc03b3998

	blockTypeDescriptor = 1
	blockTypeCommit     = 2
	blockTypeRevoke     = 5

	// defaultDrainTimeout bounds how long a barrier waits for
	// in-flight operations to reach zero, matching barrier.rs's own
	// hardcoded 30-second drain bound.
	defaultDrainTimeout = 30 * time.Second

	// timeBarrierTick is how often the background monitor checks
	// whether the oldest in-flight operation has overstayed
	// maxTxnAge, mirroring the original's 1-second monitor thread.
	timeBarrierTick = time.Second

	drainPoll = 10 * time.Millisecond
)

// BarrierState tracks whether the journal is accepting new writes.
type BarrierState int

const (
	// BarrierIdle admits new transactions immediately.
	BarrierIdle BarrierState = iota
	// BarrierActive means a barrier has been requested: Begin blocks
	// until the barrier completes, but in-flight operations that
	// started earlier are still running.
	BarrierActive
	// BarrierDraining means the barrier is actively polling for the
	// in-flight count to reach zero.
	BarrierDraining
	// BarrierCommitting means the drain succeeded and the barrier
	// holder is doing its barrier-gated work before reopening Idle.
	BarrierCommitting
)

func (s BarrierState) String() string {
	switch s {
	case BarrierIdle:
		return "idle"
	case BarrierActive:
		return "active"
	case BarrierDraining:
		return "draining"
	case BarrierCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// barrierRequest is one pending ask to quiesce the journal, queued in
// arrival order the way barrier.rs's VecDeque<BarrierRequest> is.
type barrierRequest struct {
	id          uint64
	requestedAt time.Time
	forced      bool
}

// blockHeader is the common header every journal block type starts with.
type blockHeader struct {
	Magic       uint32
	BlockType   uint32
	Sequence    uint32
}

// Tag describes one data block carried by a transaction's descriptor
// block: where it is staged in the journal and where it belongs on
// the real filesystem.
type Tag struct {
	FSBlock uint64
	Flags   uint32
}

// Transaction accumulates blocks between Begin and Commit.
type Transaction struct {
	Sequence uint32
	Tags     []Tag
	Data     [][]byte
	Revoked  []uint64
}

// queueEntry is what is persisted in the durable checkpoint queue: not
// just which blocks a committed transaction touched but their actual
// bytes, so a crash between Commit writing the commit block and the
// checkpoint finishing can resume on the next Open without having to
// re-parse the circular log for a transaction that may already be
// overwritten by newer ones.
type queueEntry struct {
	Sequence uint32
	Tags     []Tag
	Data     [][]byte
}

// Journal manages the circular on-disk log and the transaction
// pipeline above it.
type Journal struct {
	mu sync.Mutex // serializes descriptor/data/commit block writes

	dev        io.ReadWriteSeeker
	startBlock int64
	numBlocks  int64

	nextSeq      uint32
	window       *circbuf.Buffer
	checkpointQ  *goque.Queue
	current      *Transaction
	commitWriter func(fsBlock uint64, data []byte) error

	// barrierMu guards everything below it: the barrier state machine
	// itself, modeled on the original engine's
	// Mutex<BarrierState>/Condvar/Mutex<u32> trio rather than a single
	// lock shared with block I/O, so a barrier drain never contends
	// with the mutex Commit needs for its own writes.
	barrierMu     sync.Mutex
	barrierCond   *sync.Cond
	barrier       BarrierState
	inFlight      int
	oldestOpAt    time.Time
	pending       []barrierRequest
	nextBarrierID uint64

	maxTxnAge    time.Duration
	drainTimeout time.Duration

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// Options configures a new Journal.
type Options struct {
	// Device is the journal's backing store; StartBlock/NumBlocks
	// describe the circular region within it reserved for the log.
	Device     io.ReadWriteSeeker
	StartBlock int64
	NumBlocks  int64

	// CheckpointDir is a directory goque may use for its durable
	// on-disk queue of committed, not-yet-checkpointed transactions.
	CheckpointDir string

	// Apply writes one journaled block back to its real location on
	// the filesystem, during checkpoint or recovery replay.
	Apply func(fsBlock uint64, data []byte) error

	// MaxTransactionAge bounds how long an in-flight operation may
	// hold up a requested barrier before the background monitor
	// forces one anyway. Zero uses engcfg.Defaults().Journal's value.
	MaxTransactionAge time.Duration

	// DrainTimeout bounds how long a barrier waits for in-flight
	// operations to reach zero before giving up with ferr.Timeout.
	// Zero uses the package default of 30 seconds.
	DrainTimeout time.Duration
}

// windowFrameSize is one window entry: the slot a cached block came
// from, prefixed so a lookup can tell which retained block is which
// after the ring has wrapped past several different slots.
const windowFrameSize = 8 + BlockSize

// Open initializes a Journal over the circular region described by
// opts, replays any checkpoint entries a prior process left pending in
// the durable queue, and starts the background monitor that forces a
// barrier when an operation overstays MaxTransactionAge.
func Open(opts Options) (*Journal, error) {
	window, err := circbuf.NewBuffer(opts.NumBlocks * windowFrameSize)
	if err != nil {
		return nil, err
	}

	q, err := goque.OpenQueue(opts.CheckpointDir)
	if err != nil {
		return nil, err
	}

	maxTxnAge := opts.MaxTransactionAge
	if maxTxnAge <= 0 {
		maxTxnAge = engcfg.Defaults().Journal.MaxTransactionAge
	}
	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	j := &Journal{
		dev:          opts.Device,
		startBlock:   opts.StartBlock,
		numBlocks:    opts.NumBlocks,
		window:       window,
		checkpointQ:  q,
		commitWriter: opts.Apply,
		nextSeq:      1,
		maxTxnAge:    maxTxnAge,
		drainTimeout: drainTimeout,
		stopMonitor:  make(chan struct{}),
		monitorDone:  make(chan struct{}),
	}
	j.barrierCond = sync.NewCond(&j.barrierMu)

	if err := j.resumeCheckpoints(); err != nil {
		_ = q.Close()
		return nil, err
	}

	go j.monitorTimeBarrier()

	return j, nil
}

// Close stops the time-barrier monitor and releases the durable
// checkpoint queue.
func (j *Journal) Close() error {
	close(j.stopMonitor)
	<-j.monitorDone
	return j.checkpointQ.Close()
}

// Begin starts a new transaction. It blocks while a barrier is active,
// draining, or committing, the way the original engine's
// begin_operation waits on its Condvar while state != Idle, then
// counts itself as an in-flight operation until Commit ends it.
func (j *Journal) Begin() *Transaction {
	j.barrierMu.Lock()
	for j.barrier != BarrierIdle {
		j.barrierCond.Wait()
	}
	j.inFlight++
	if j.inFlight == 1 {
		j.oldestOpAt = time.Now()
	}
	j.barrierMu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	j.current = &Transaction{Sequence: j.nextSeq}
	j.nextSeq++
	return j.current
}

// endOperation retires this transaction's in-flight slot. Every Begin
// must be matched by exactly one endOperation, which Commit guarantees
// via defer regardless of whether the commit itself succeeds.
func (j *Journal) endOperation() {
	j.barrierMu.Lock()
	defer j.barrierMu.Unlock()
	if j.inFlight > 0 {
		j.inFlight--
	}
	if j.inFlight == 0 {
		j.oldestOpAt = time.Time{}
	}
}

// RequestBarrier asks the journal to quiesce: Begin blocks new
// transactions immediately, then this call waits for every
// already-in-flight transaction to commit before returning, bounded by
// the configured drain timeout. Callers use this to get a clean point
// to, say, force a checkpoint cycle; jbd2 itself never calls this on
// its own operation path, only the background monitor does, and only
// when an operation has overstayed MaxTransactionAge.
func (j *Journal) RequestBarrier() error {
	j.barrierMu.Lock()
	j.requestBarrierLocked(false)
	j.barrierMu.Unlock()

	if err := j.drainOperations(); err != nil {
		return err
	}
	j.completeBarrier()
	return nil
}

// requestBarrierLocked queues a barrier request and activates it
// immediately if the journal is Idle. Must be called with barrierMu held.
func (j *Journal) requestBarrierLocked(forced bool) uint64 {
	id := j.nextBarrierID
	j.nextBarrierID++
	j.pending = append(j.pending, barrierRequest{id: id, requestedAt: time.Now(), forced: forced})
	j.tryActivateBarrierLocked()
	return id
}

// tryActivateBarrierLocked moves Idle to Active the moment a barrier
// is pending, so Begin starts blocking right away even though draining
// the currently in-flight operations still takes time. Must be called
// with barrierMu held.
func (j *Journal) tryActivateBarrierLocked() {
	if j.barrier != BarrierIdle || len(j.pending) == 0 {
		return
	}
	j.barrier = BarrierActive
}

// drainOperations polls the in-flight count down to zero, the way
// barrier.rs's own drain_operations loop does, rather than trying to
// teach sync.Cond.Wait a timeout. Once the count reaches zero it moves
// the barrier to Committing, handing exclusive possession to the
// caller for whatever barrier-gated work it needs to do (completeBarrier,
// normally) before anyone reopens Idle. It gives up with ferr.Timeout
// if the configured drain timeout elapses first, reopening the journal
// to Idle itself so a stuck operation cannot wedge every future
// transaction.
func (j *Journal) drainOperations() error {
	j.barrierMu.Lock()
	j.barrier = BarrierDraining
	j.barrierMu.Unlock()

	deadline := time.Now().Add(j.drainTimeout)
	for {
		j.barrierMu.Lock()
		inFlight := j.inFlight
		if inFlight == 0 {
			j.barrier = BarrierCommitting
			j.barrierMu.Unlock()
			return nil
		}
		j.barrierMu.Unlock()

		if time.Now().After(deadline) {
			j.barrierMu.Lock()
			j.barrier = BarrierIdle
			j.barrierCond.Broadcast()
			j.barrierMu.Unlock()
			return ferr.Timeout("jbd2: barrier drain timed out after %s waiting for %d in-flight operation(s)", j.drainTimeout, inFlight)
		}
		time.Sleep(drainPoll)
	}
}

// completeBarrier pops the satisfied request and reopens the journal
// from Committing to Idle, waking every Begin call blocked on the
// Condvar, then immediately re-activates the barrier if another
// request arrived while this one drained.
func (j *Journal) completeBarrier() {
	j.barrierMu.Lock()
	defer j.barrierMu.Unlock()

	if len(j.pending) > 0 {
		j.pending = j.pending[1:]
	}
	j.barrier = BarrierIdle
	j.barrierCond.Broadcast()
	j.tryActivateBarrierLocked()
}

// monitorTimeBarrier forces a barrier once an in-flight operation has
// run longer than maxTxnAge, mirroring BarrierTransactionManager's
// background thread that ticks check_time_barrier every second.
func (j *Journal) monitorTimeBarrier() {
	defer close(j.monitorDone)

	ticker := time.NewTicker(timeBarrierTick)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopMonitor:
			return
		case <-ticker.C:
			j.checkTimeBarrier()
		}
	}
}

// checkTimeBarrier forces a barrier request if the oldest in-flight
// operation has overstayed maxTxnAge. It runs the full drain itself
// rather than leaving a forced request dangling for someone else to
// drain, since nothing else polls on the monitor's behalf.
func (j *Journal) checkTimeBarrier() {
	j.barrierMu.Lock()
	if j.barrier != BarrierIdle || j.inFlight == 0 || j.maxTxnAge <= 0 || time.Since(j.oldestOpAt) < j.maxTxnAge {
		j.barrierMu.Unlock()
		return
	}
	j.requestBarrierLocked(true)
	j.barrierMu.Unlock()

	if err := j.drainOperations(); err != nil {
		return
	}
	j.completeBarrier()
}

// Write stages a data block within the current transaction.
func (j *Journal) Write(txn *Transaction, fsBlock uint64, data []byte) {
	if len(data) != BlockSize {
		panic("jbd2: data block must be exactly BlockSize bytes")
	}
	buf := make([]byte, BlockSize)
	copy(buf, data)
	txn.Tags = append(txn.Tags, Tag{FSBlock: fsBlock})
	txn.Data = append(txn.Data, buf)
}

// Revoke marks fsBlock as superseded within this transaction: replay
// must skip any earlier transaction's write to this block.
func (j *Journal) Revoke(txn *Transaction, fsBlock uint64) {
	txn.Revoked = append(txn.Revoked, fsBlock)
}

func (j *Journal) blockOffset(slot int64) int64 {
	idx := slot % j.numBlocks
	return (j.startBlock + idx) * BlockSize
}

// Commit writes the descriptor block, data blocks, optional revoke
// block, and commit block for txn to the circular log, records the
// commit in the durable checkpoint queue, and then applies it to the
// real filesystem. Checkpointing here is synchronous with commit, not
// deferred to a later pass: applying later would let a read issued
// right after Commit returns see stale data, since callers like
// pkg/ext read straight from disk outside of a transaction. The
// checkpoint queue is not vestigial, though — it is the durable record
// that lets Open's resumeCheckpoints finish an interrupted checkpoint
// after a crash between the commit block landing and the real-block
// writes finishing below.
func (j *Journal) Commit(txn *Transaction) error {
	defer j.endOperation()

	j.mu.Lock()
	defer j.mu.Unlock()

	slot := int64(txn.Sequence) % j.numBlocks

	desc := new(bytes.Buffer)
	_ = binary.Write(desc, binary.LittleEndian, blockHeader{Magic: magicNumber, BlockType: blockTypeDescriptor, Sequence: txn.Sequence})
	_ = binary.Write(desc, binary.LittleEndian, uint32(len(txn.Tags)))
	for _, tag := range txn.Tags {
		_ = binary.Write(desc, binary.LittleEndian, tag)
	}
	if err := j.writeBlock(slot, padBlock(desc.Bytes())); err != nil {
		return err
	}
	slot++

	for _, data := range txn.Data {
		if err := j.writeBlock(slot, data); err != nil {
			return err
		}
		slot++
	}

	if len(txn.Revoked) > 0 {
		rev := new(bytes.Buffer)
		_ = binary.Write(rev, binary.LittleEndian, blockHeader{Magic: magicNumber, BlockType: blockTypeRevoke, Sequence: txn.Sequence})
		_ = binary.Write(rev, binary.LittleEndian, uint32(len(txn.Revoked)))
		for _, b := range txn.Revoked {
			_ = binary.Write(rev, binary.LittleEndian, b)
		}
		if err := j.writeBlock(slot, padBlock(rev.Bytes())); err != nil {
			return err
		}
		slot++
	}

	commit := new(bytes.Buffer)
	_ = binary.Write(commit, binary.LittleEndian, blockHeader{Magic: magicNumber, BlockType: blockTypeCommit, Sequence: txn.Sequence})
	if err := j.writeBlock(slot, padBlock(commit.Bytes())); err != nil {
		return err
	}

	entry := queueEntry{Sequence: txn.Sequence, Tags: txn.Tags, Data: txn.Data}
	if _, err := j.checkpointQ.EnqueueObjectAsJSON(entry); err != nil {
		return err
	}

	return j.applyCheckpoint(entry)
}

// applyCheckpoint writes every block a committed transaction touched
// back to its real location, then removes the matching entry from the
// durable checkpoint queue. Called both from Commit, for the
// transaction that just landed, and from resumeCheckpoints, for any
// entry a prior process left behind when it crashed between those two
// steps.
func (j *Journal) applyCheckpoint(entry queueEntry) error {
	for i, tag := range entry.Tags {
		if err := j.commitWriter(tag.FSBlock, entry.Data[i]); err != nil {
			return err
		}
	}
	if _, err := j.checkpointQ.Dequeue(); err != nil {
		return err
	}
	return nil
}

// resumeCheckpoints drains any checkpoint entries a prior process left
// in the durable queue: each one is a transaction that finished
// writing its commit block to the journal but never finished being
// applied back to the real filesystem before the process went away.
func (j *Journal) resumeCheckpoints() error {
	for {
		item, err := j.checkpointQ.Peek()
		if err != nil {
			if strings.Contains(err.Error(), "Stack or queue is empty") {
				return nil
			}
			return err
		}
		var entry queueEntry
		if err := item.ToObjectFromJSON(&entry); err != nil {
			return err
		}
		if err := j.applyCheckpoint(entry); err != nil {
			return err
		}
	}
}

func padBlock(b []byte) []byte {
	if len(b) >= BlockSize {
		return b[:BlockSize]
	}
	out := make([]byte, BlockSize)
	copy(out, b)
	return out
}

func (j *Journal) writeBlock(slot int64, data []byte) error {
	off := j.blockOffset(slot)
	if _, err := j.dev.Seek(off, io.SeekStart); err != nil {
		return ferr.IO(off, err)
	}
	if _, err := j.dev.Write(data); err != nil {
		return ferr.IO(off, err)
	}
	j.cacheBlock(slot, data)
	return nil
}

// cacheBlock mirrors a just-written block into the in-memory window,
// tagged with its slot so a later lookup knows which retained frame
// answers which slot once the ring has wrapped past it.
func (j *Journal) cacheBlock(slot int64, data []byte) {
	frame := make([]byte, windowFrameSize)
	binary.LittleEndian.PutUint64(frame[:8], uint64(slot%j.numBlocks))
	copy(frame[8:], data)
	_, _ = j.window.Write(frame)
}

// windowBlock looks up slot in the in-memory window, scanning from the
// most recently written frame backward so a slot reused since the
// last time it was read resolves to its latest write.
func (j *Journal) windowBlock(slot int64) ([]byte, bool) {
	want := uint64(slot % j.numBlocks)
	buf := j.window.Bytes()
	for off := len(buf) - windowFrameSize; off >= 0; off -= windowFrameSize {
		frame := buf[off : off+windowFrameSize]
		if binary.LittleEndian.Uint64(frame[:8]) != want {
			continue
		}
		out := make([]byte, BlockSize)
		copy(out, frame[8:])
		return out, true
	}
	return nil, false
}

func (j *Journal) readBlock(slot int64) ([]byte, error) {
	if data, ok := j.windowBlock(slot); ok {
		return data, nil
	}
	off := j.blockOffset(slot)
	if _, err := j.dev.Seek(off, io.SeekStart); err != nil {
		return nil, ferr.IO(off, err)
	}
	buf := make([]byte, BlockSize)
	if _, err := io.ReadFull(j.dev, buf); err != nil {
		return nil, ferr.IO(off, err)
	}
	return buf, nil
}

package jbd2

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDev struct {
	buf []byte
	pos int64
}

func newMemDev(size int) *memDev { return &memDev{buf: make([]byte, size)} }

func (m *memDev) Write(p []byte) (int, error) {
	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memDev) Read(p []byte) (int, error) {
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memDev) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.buf)) + offset
	}
	return m.pos, nil
}

func openTestJournal(t *testing.T) (*Journal, map[uint64][]byte) {
	t.Helper()
	applied := make(map[uint64][]byte)

	j, err := Open(Options{
		Device:        newMemDev(64 * BlockSize),
		StartBlock:    0,
		NumBlocks:     64,
		CheckpointDir: t.TempDir(),
		Apply: func(fsBlock uint64, data []byte) error {
			cp := make([]byte, len(data))
			copy(cp, data)
			applied[fsBlock] = cp
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, applied
}

func TestCommitAppliesBlocksToFilesystem(t *testing.T) {
	j, applied := openTestJournal(t)

	txn := j.Begin()
	data := make([]byte, BlockSize)
	data[0] = 0x42
	j.Write(txn, 100, data)

	require.NoError(t, j.Commit(txn))
	assert.Equal(t, byte(0x42), applied[100][0])
}

func TestRecoverReappliesCommittedTransaction(t *testing.T) {
	j, applied := openTestJournal(t)

	txn := j.Begin()
	data := make([]byte, BlockSize)
	data[0] = 0x7
	j.Write(txn, 200, data)
	require.NoError(t, j.Commit(txn))

	delete(applied, 200)

	require.NoError(t, j.Recover())
	assert.Equal(t, byte(0x7), applied[200][0])
}

func TestRevokedBlockSkippedDuringReplay(t *testing.T) {
	j, applied := openTestJournal(t)

	txn1 := j.Begin()
	data1 := make([]byte, BlockSize)
	data1[0] = 0xAA
	j.Write(txn1, 300, data1)
	require.NoError(t, j.Commit(txn1))

	txn2 := j.Begin()
	j.Revoke(txn2, 300)
	data2 := make([]byte, BlockSize)
	data2[0] = 0xBB
	j.Write(txn2, 301, data2)
	require.NoError(t, j.Commit(txn2))

	delete(applied, 300)
	delete(applied, 301)

	require.NoError(t, j.Recover())
	_, stillRevoked := applied[300]
	assert.False(t, stillRevoked)
	assert.Equal(t, byte(0xBB), applied[301][0])
}

func TestBeginBlocksUntilBarrierCompletes(t *testing.T) {
	j, _ := openTestJournal(t)

	txn := j.Begin()

	barrierDone := make(chan error, 1)
	go func() { barrierDone <- j.RequestBarrier() }()

	// give RequestBarrier a chance to move the journal out of Idle
	// before the next Begin races it.
	time.Sleep(20 * time.Millisecond)

	beginReturned := make(chan struct{})
	go func() {
		j.Begin()
		close(beginReturned)
	}()

	select {
	case <-beginReturned:
		t.Fatal("Begin returned while a barrier was pending, should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	data := make([]byte, BlockSize)
	j.Write(txn, 400, data)
	require.NoError(t, j.Commit(txn))

	require.NoError(t, <-barrierDone)

	select {
	case <-beginReturned:
	case <-time.After(time.Second):
		t.Fatal("Begin still blocked after the barrier completed")
	}
}

func TestRequestBarrierTimesOutWhenOperationNeverCommits(t *testing.T) {
	applied := make(map[uint64][]byte)
	j, err := Open(Options{
		Device:        newMemDev(64 * BlockSize),
		StartBlock:    0,
		NumBlocks:     64,
		CheckpointDir: t.TempDir(),
		DrainTimeout:  20 * time.Millisecond,
		Apply: func(fsBlock uint64, data []byte) error {
			applied[fsBlock] = data
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	j.Begin() // never committed

	err = j.RequestBarrier()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "barrier drain timed out")
}

package ntfslog

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDev struct {
	buf []byte
	pos int64
}

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

func TestAppendAssignsIncrementingLSNs(t *testing.T) {
	l, err := Open(Options{Device: &memDev{buf: make([]byte, 64*PageSize)}, StartPage: 0, NumPages: 64})
	require.NoError(t, err)

	lsn1, err := l.Append(&Record{ClientID: 1, UndoNextLSN: 0})
	require.NoError(t, err)
	lsn2, err := l.Append(&Record{ClientID: 1, UndoNextLSN: 0})
	require.NoError(t, err)

	assert.Less(t, lsn1, lsn2)
}

func TestRecoverRedoesCommittedTransaction(t *testing.T) {
	var redone []uint32
	l, err := Open(Options{
		Device:    &memDev{buf: make([]byte, 64*PageSize)},
		StartPage: 0,
		NumPages:  64,
		ApplyRedo: func(r Record) error { redone = append(redone, r.ClientID); return nil },
	})
	require.NoError(t, err)

	_, err = l.Append(&Record{ClientID: 7, UndoNextLSN: 0, RedoData: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, l.Recover())
	assert.Contains(t, redone, uint32(7))
}

func TestRecoverUndoesUncommittedTransaction(t *testing.T) {
	var undone []uint32
	l, err := Open(Options{
		Device:    &memDev{buf: make([]byte, 64*PageSize)},
		StartPage: 0,
		NumPages:  64,
		ApplyUndo: func(r Record) error { undone = append(undone, r.ClientID); return nil },
	})
	require.NoError(t, err)

	_, err = l.Append(&Record{ClientID: 9, UndoNextLSN: 42, UndoData: []byte("revert")})
	require.NoError(t, err)

	require.NoError(t, l.Recover())
	assert.Contains(t, undone, uint32(9))
}

package device

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHandle struct {
	buf []byte
}

func (m *memHandle) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memHandle) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.buf[off:], p)
	return n, nil
}

func (m *memHandle) Close() error { return nil }

func newTestDevice(t *testing.T, size int) (*Device, *memHandle) {
	h := &memHandle{buf: make([]byte, size)}
	d, err := New(Descriptor{ID: uuid.New(), Size: int64(size), SectorSize: 512}, h)
	require.NoError(t, err)
	return d, h
}

func TestAlignedReadWriteRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, 4096)

	payload := bytes.Repeat([]byte{0xAB}, 512)
	_, err := d.WriteAt(payload, 512)
	require.NoError(t, err)

	out := make([]byte, 512)
	_, err = d.ReadAt(out, 512)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestUnalignedWritePreservesNeighbours(t *testing.T) {
	d, h := newTestDevice(t, 4096)

	for i := range h.buf {
		h.buf[i] = 0xFF
	}

	_, err := d.WriteAt([]byte{0x01, 0x02, 0x03}, 10)
	require.NoError(t, err)

	assert.Equal(t, byte(0xFF), h.buf[9])
	assert.Equal(t, byte(0x01), h.buf[10])
	assert.Equal(t, byte(0x02), h.buf[11])
	assert.Equal(t, byte(0x03), h.buf[12])
	assert.Equal(t, byte(0xFF), h.buf[13])

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.ReadModifyWrite)
}

func TestWriteRejectedOnReadOnlyDevice(t *testing.T) {
	h := &memHandle{buf: make([]byte, 4096)}
	d, err := New(Descriptor{ID: uuid.New(), SectorSize: 512, ReadOnly: true}, h)
	require.NoError(t, err)

	_, err = d.WriteAt([]byte{1}, 0)
	assert.Error(t, err)
}

func TestRejectsNonPowerOfTwoSectorSize(t *testing.T) {
	h := &memHandle{buf: make([]byte, 4096)}
	_, err := New(Descriptor{ID: uuid.New(), SectorSize: 600}, h)
	assert.Error(t, err)
}

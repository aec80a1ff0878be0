package fsregistry

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesfs/moses/pkg/fsops"
)

type fakeOps struct{}

func (fakeOps) Info() (fsops.Info, error)                     { return fsops.Info{Family: "fake"}, nil }
func (fakeOps) List(string) ([]fsops.Entry, error)            { return nil, nil }
func (fakeOps) Stat(string) (fsops.Entry, error)              { return fsops.Entry{}, nil }
func (fakeOps) Open(string) (io.ReadCloser, error)            { return nil, nil }
func (fakeOps) Create(string) (io.WriteCloser, error)         { return nil, nil }
func (fakeOps) Mkdir(string) error                            { return nil }
func (fakeOps) Remove(string) error                           { return nil }
func (fakeOps) Rename(string, string) error                   { return nil }
func (fakeOps) Close() error                                  { return nil }

func TestDetectPicksFirstMatch(t *testing.T) {
	r := New()
	r.Register(Entry{
		Name:      "fake",
		Detect:    func(io.ReaderAt) bool { return true },
		NewReader: func(io.ReadWriteSeeker) (fsops.Ops, error) { return fakeOps{}, nil },
		NewWriter: func(io.ReadWriteSeeker) (fsops.Ops, error) { return fakeOps{}, nil },
	})

	name, err := r.Detect(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, "fake", name)
}

func TestDetectReturnsErrorWhenNoneMatch(t *testing.T) {
	r := New()
	r.Register(Entry{Name: "never", Detect: func(io.ReaderAt) bool { return false }})

	_, err := r.Detect(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestLookupUnknownFamily(t *testing.T) {
	r := New()
	_, err := r.Lookup("ext9")
	assert.Error(t, err)
}

func TestDetectPrefersHigherPriorityOnAmbiguousMatch(t *testing.T) {
	r := New()
	r.Register(Entry{
		Name:      "generic",
		Priority:  10,
		Detect:    func(io.ReaderAt) bool { return true },
		NewReader: func(io.ReadWriteSeeker) (fsops.Ops, error) { return fakeOps{}, nil },
		NewWriter: func(io.ReadWriteSeeker) (fsops.Ops, error) { return fakeOps{}, nil },
	})
	r.Register(Entry{
		Name:      "specific",
		Priority:  100,
		Detect:    func(io.ReaderAt) bool { return true },
		NewReader: func(io.ReadWriteSeeker) (fsops.Ops, error) { return fakeOps{}, nil },
		NewWriter: func(io.ReadWriteSeeker) (fsops.Ops, error) { return fakeOps{}, nil },
	})

	name, err := r.Detect(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, "specific", name)
}

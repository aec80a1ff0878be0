package fsops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesfs/moses/pkg/ferr"
)

func TestInfoString(t *testing.T) {
	i := Info{Family: "ext4", VolumeLabel: "root", TotalBytes: 1 << 20, FreeBytes: 1 << 19}
	s := i.String()
	assert.Contains(t, s, "ext4")
	assert.Contains(t, s, "root")
}

func TestHostProjectionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	h := Host(dir)
	entries, err := h.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)

	f, err := h.Open("/a.txt")
	require.NoError(t, err)
	defer f.Close()
}

func TestSubOpsResolvesBeneathBase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.txt"), []byte("x"), 0o644))

	h := Host(dir)
	sub := Sub(h, "/nested")

	entries, err := sub.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.txt", entries[0].Name)
}

func TestGuardDeniesWritesUntilEnabled(t *testing.T) {
	g := NewGuard(Host(t.TempDir()))

	_, err := g.Create("/a.txt")
	assert.True(t, ferr.Is(err, ferr.KindPermissionDenied))
	assert.True(t, ferr.Is(g.Mkdir("/d"), ferr.KindPermissionDenied))

	g.EnableWriteSupport()
	g.EnableWriteSupport() // idempotent

	require.NoError(t, g.Mkdir("/d"))
	w, err := g.Create("/a.txt")
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestGuardValidatesPathSyntax(t *testing.T) {
	g := NewGuard(Host(t.TempDir()))
	g.EnableWriteSupport()

	_, err := g.Create("/..")
	assert.Error(t, err)
	assert.Error(t, g.Mkdir("/has\x00nul"))
	assert.Error(t, g.Remove("/"))
	_, err = g.Stat("/../escape")
	assert.True(t, ferr.Is(err, ferr.KindInvalidPath))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("plain.txt"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("."))
	assert.Error(t, ValidateName(".."))
	assert.Error(t, ValidateName("a/b"))
	assert.Error(t, ValidateName(string(make([]byte, 256))))
}

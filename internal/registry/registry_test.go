package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareDerivesStableGUID(t *testing.T) {
	r := New([]byte("fixed-test-salt"))
	rec1, err := r.Share("1-2", "Widget", 0x1234, 0x5678)
	require.NoError(t, err)
	require.NotEmpty(t, rec1.GUID)

	rec2, err := r.Share("1-2", "Widget (renamed)", 0x1234, 0x5678)
	require.NoError(t, err)
	assert.Equal(t, rec1.GUID, rec2.GUID)
	assert.Equal(t, "Widget (renamed)", rec2.FriendlyName)
}

func TestDifferentSaltsGiveDifferentGUIDs(t *testing.T) {
	a := New([]byte("salt-a"))
	b := New([]byte("salt-b"))
	ra, err := a.Share("1-2", "x", 1, 2)
	require.NoError(t, err)
	rb, err := b.Share("1-2", "x", 1, 2)
	require.NoError(t, err)
	assert.NotEqual(t, ra.GUID, rb.GUID)
}

func TestIsSharedAndLookup(t *testing.T) {
	r := New(nil)
	assert.False(t, r.IsShared("1-1"))
	_, err := r.Share("1-1", "thing", 1, 1)
	require.NoError(t, err)
	assert.True(t, r.IsShared("1-1"))

	rec, ok := r.Lookup("1-1")
	require.True(t, ok)
	assert.Equal(t, "1-1", rec.BusID)
}

func TestMarkAttachedExclusivity(t *testing.T) {
	r := New(nil)
	_, err := r.Share("1-2", "x", 1, 2)
	require.NoError(t, err)

	require.NoError(t, r.MarkAttached("1-2", "peerA"))
	err = r.MarkAttached("1-2", "peerB")
	var aa *AlreadyAttached
	require.ErrorAs(t, err, &aa)

	r.MarkDetached("1-2")
	require.NoError(t, r.MarkAttached("1-2", "peerB"))
}

func TestMarkDetachedIsIdempotent(t *testing.T) {
	r := New(nil)
	r.MarkDetached("unknown-bus-id") // must not panic
}

func TestUnshareRefusesWhileAttached(t *testing.T) {
	r := New(nil)
	_, err := r.Share("1-2", "x", 1, 2)
	require.NoError(t, err)
	require.NoError(t, r.MarkAttached("1-2", "peerA"))

	err = r.Unshare("1-2")
	var aa *AlreadyAttached
	require.ErrorAs(t, err, &aa)

	r.MarkDetached("1-2")
	require.NoError(t, r.Unshare("1-2"))
	assert.False(t, r.IsShared("1-2"))
}

func TestAllSharedOrdersByBusID(t *testing.T) {
	r := New(nil)
	_, _ = r.Share("2-1", "b", 1, 1)
	_, _ = r.Share("1-1", "a", 1, 1)

	all := r.AllShared()
	require.Len(t, all, 2)
	assert.Equal(t, "1-1", all[0].BusID)
	assert.Equal(t, "2-1", all[1].BusID)
}

func TestSaveAndLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.toml")

	r := New([]byte("persisted-salt"))
	rec, err := r.Share("1-2", "Widget", 0x1234, 0x5678)
	require.NoError(t, err)
	require.NoError(t, r.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	got, ok := loaded.Lookup("1-2")
	require.True(t, ok)
	assert.Equal(t, rec.GUID, got.GUID)
	assert.Equal(t, "Widget", got.FriendlyName)
	assert.Empty(t, got.AttachedTo)
}

func TestLoadFileMissingReturnsFreshRegistry(t *testing.T) {
	r, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Empty(t, r.AllShared())
}

func TestLoadFileMalformedIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid toml"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}

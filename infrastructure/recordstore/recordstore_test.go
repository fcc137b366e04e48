package recordstore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domerrors "github.com/reglet-dev/mediahost/domain/errors"
)

func constantHasher(string) uint64 { return 7 }

func TestDiskStore_WriteReadAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Open("key"))
	require.NoError(t, s.Write("key", []byte("value")))
	require.NoError(t, s.Close("key"))

	s2, err := NewDiskStore(dir)
	require.NoError(t, err)
	names, err := s2.RecordNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"key"}, names)

	require.NoError(t, s2.Open("key"))
	got, err := s2.Read("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}

func TestDiskStore_FileLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, WithHasher(constantHasher))
	require.NoError(t, err)
	require.NoError(t, s.Open("abc"))
	require.NoError(t, s.Write("abc", []byte{1, 2}))

	raw, err := os.ReadFile(filepath.Join(dir, "7"))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw))
	assert.Equal(t, "abc", string(raw[4:7]))
	assert.Equal(t, []byte{1, 2}, raw[7:])
}

func TestDiskStore_CollidingNamesStayIndependent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, WithHasher(constantHasher))
	require.NoError(t, err)

	require.NoError(t, s.Open("first"))
	require.NoError(t, s.Open("second"))
	require.NoError(t, s.Write("first", []byte("one")))
	require.NoError(t, s.Write("second", []byte("two")))
	require.NoError(t, s.Close("first"))
	require.NoError(t, s.Close("second"))

	assert.FileExists(t, filepath.Join(dir, "7"))
	assert.FileExists(t, filepath.Join(dir, "8"))

	s2, err := NewDiskStore(dir, WithHasher(constantHasher))
	require.NoError(t, err)
	for name, want := range map[string]string{"first": "one", "second": "two"} {
		require.NoError(t, s2.Open(name))
		got, err := s2.Read(name)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestDiskStore_ForeignNameIsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, WithHasher(constantHasher))
	require.NoError(t, err)
	require.NoError(t, s.Open("mine"))
	require.NoError(t, s.Write("mine", []byte("v")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "7"), encodeRecord("theirs", []byte("x")), 0o600))

	_, err = s.Read("mine")
	assert.ErrorIs(t, err, domerrors.ErrRecordCorrupted)
}

func TestDiskStore_MalformedReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, WithHasher(constantHasher))
	require.NoError(t, err)
	require.NoError(t, s.Open("k"))

	for _, raw := range [][]byte{{1, 0}, {200, 0, 0, 0, 'k'}, {0, 0, 0, 0}} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "7"), raw, 0o600))
		got, err := s.Read("k")
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestDiskStore_EmptyWriteDeletes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, WithHasher(constantHasher))
	require.NoError(t, err)
	require.NoError(t, s.Open("k"))
	require.NoError(t, s.Write("k", []byte("v")))
	require.NoError(t, s.Write("k", nil))

	assert.NoFileExists(t, filepath.Join(dir, "7"))
	got, err := s.Read("k")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Close("k"))
	names, _ := s.RecordNames()
	assert.Empty(t, names)
}

func TestDiskStore_OpenState(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("k")
	assert.ErrorIs(t, err, domerrors.ErrRecordNotOpen)
	assert.ErrorIs(t, s.Write("k", []byte("v")), domerrors.ErrRecordNotOpen)

	require.NoError(t, s.Open("k"))
	assert.ErrorIs(t, s.Open("k"), domerrors.ErrRecordInUse)
	require.NoError(t, s.Close("k"))
	require.NoError(t, s.Close("k"))
}

func TestDiskStore_StaleTempFilesRemoved(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "5"+tmpSuffix), []byte("junk"), 0o600))
	_, err := NewDiskStore(dir)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "5"+tmpSuffix))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Open("a"))
	assert.ErrorIs(t, s.Open("a"), domerrors.ErrRecordInUse)

	buf := []byte("value")
	require.NoError(t, s.Write("a", buf))
	buf[0] = 'X'
	got, err := s.Read("a")
	require.NoError(t, err)
	assert.Equal(t, "value", string(got), "store keeps its own copy")

	require.NoError(t, s.Open("empty"))
	names, _ := s.RecordNames()
	assert.Equal(t, []string{"a", "empty"}, names)

	require.NoError(t, s.Close("empty"))
	require.NoError(t, s.Close("a"))
	assert.Equal(t, 1, s.Len(), "empty records are dropped on close")

	_, err = s.Read("a")
	assert.ErrorIs(t, err, domerrors.ErrRecordNotOpen)
}

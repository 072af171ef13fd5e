package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type demoState struct {
	Windows map[string][]int64 `json:"windows"`
	Count   int                `json:"count"`
}

func TestStoreRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	in := demoState{Windows: map[string][]int64{"EURUSD": {1, 2, 3}}, Count: 3}
	require.NoError(t, s.Save("rate_limits", in))

	var out demoState
	ok, err := s.Load("rate_limits", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestStoreLoadMissingIsCold(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	var out demoState
	ok, err := s.Load("never_written", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreCorruptSnapshotArchived(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644))

	var out demoState
	ok, err := s.Load("broken", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	// Original gone, archive present.
	_, statErr := os.Stat(filepath.Join(dir, "broken.json"))
	assert.True(t, os.IsNotExist(statErr))
	matches, _ := filepath.Glob(filepath.Join(dir, "broken.json.corrupt-*"))
	assert.NotEmpty(t, matches)
}

func TestStoreSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save("doc", demoState{Count: 1}))
	require.NoError(t, s.Save("doc", demoState{Count: 2}))

	var out demoState
	ok, err := s.Load("doc", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, out.Count)

	// No temp files left behind.
	matches, _ := filepath.Glob(filepath.Join(dir, "doc.tmp-*"))
	assert.Empty(t, matches)
}

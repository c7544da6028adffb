package statusfile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
)

type sample struct {
	State string `json:"state"`
	Count int    `json:"count"`
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")

	_, ok, err := statusfile.Read[sample](path)
	require.NoError(t, err)
	require.False(t, ok, "missing file is not an error")

	want := sample{State: "idle", Count: 3}
	require.NoError(t, statusfile.Write(path, want))

	got, ok, err := statusfile.Read[sample](path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestWrite_OverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")

	require.NoError(t, statusfile.Write(path, sample{State: "busy", Count: 1}))
	require.NoError(t, statusfile.Write(path, sample{State: "idle", Count: 2}))

	got, ok, err := statusfile.Read[sample](path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sample{State: "idle", Count: 2}, got)
}

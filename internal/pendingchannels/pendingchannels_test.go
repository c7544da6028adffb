package pendingchannels_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zylos-ai/zylos-supervisor/internal/pendingchannels"
)

func TestReadAndClear_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")

	entries, err := pendingchannels.ReadAndClear(path)
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestAppendReadAndClear_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pending-channels.jsonl")

	require.NoError(t, pendingchannels.Append(path, pendingchannels.Entry{Channel: "telegram", Endpoint: "123"}))
	require.NoError(t, pendingchannels.Append(path, pendingchannels.Entry{Channel: "system"}))

	entries, err := pendingchannels.ReadAndClear(path)
	require.NoError(t, err)
	require.Equal(t, []pendingchannels.Entry{
		{Channel: "telegram", Endpoint: "123"},
		{Channel: "system"},
	}, entries)

	again, err := pendingchannels.ReadAndClear(path)
	require.NoError(t, err)
	require.Nil(t, again, "clearing must truncate the file")
}

func TestReadAndClear_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")

	require.NoError(t, pendingchannels.Append(path, pendingchannels.Entry{Channel: "telegram"}))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, pendingchannels.Append(path, pendingchannels.Entry{Channel: "slack"}))

	entries, err := pendingchannels.ReadAndClear(path)
	require.NoError(t, err)
	require.Equal(t, []pendingchannels.Entry{
		{Channel: "telegram"},
		{Channel: "slack"},
	}, entries)
}

func TestAppend_ConcurrentWritesAllPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			done <- pendingchannels.Append(path, pendingchannels.Entry{Channel: "chan", Endpoint: string(rune('a' + n))})
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	entries, err := pendingchannels.ReadAndClear(path)
	require.NoError(t, err)
	require.Len(t, entries, 10)
}

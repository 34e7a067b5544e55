package feed_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/streamharness/internal/feed"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path, err := feed.Write(dir, "main", "rtsp://127.0.0.1:8554/test.264")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path))
	require.Equal(t, filepath.Join(dir, feed.FileName), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"main": {"sourceUrl": "rtsp://127.0.0.1:8554/test.264"}}`, string(b))

	cfg, err := feed.Read(path)
	require.NoError(t, err)
	require.Equal(t, feed.Config{"main": {SourceURL: "rtsp://127.0.0.1:8554/test.264"}}, cfg)

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWrite_Overwrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := feed.Write(dir, "main", "rtsp://a:1/x")
	require.NoError(t, err)
	path, err := feed.Write(dir, "front", "rtsp://b:2/y")
	require.NoError(t, err)

	cfg, err := feed.Read(path)
	require.NoError(t, err)
	require.Equal(t, feed.Config{"front": {SourceURL: "rtsp://b:2/y"}}, cfg)
}

func TestWrite_NoEscape(t *testing.T) {
	t.Parallel()
	path, err := feed.Write(t.TempDir(), "main", "rtsp://h:1/test.264?a=1&b=<2>")
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), "?a=1&b=<2>"), string(b))
}

func TestWrite_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		dir      string
		name     string
		endpoint string
	}{
		{
			scenario: "empty name",
			dir:      t.TempDir(),
			endpoint: "rtsp://h:1/x",
		},
		{
			scenario: "empty endpoint",
			dir:      t.TempDir(),
			name:     "main",
		},
		{
			scenario: "missing dir",
			dir:      filepath.Join(t.TempDir(), "missing"),
			name:     "main",
			endpoint: "rtsp://h:1/x",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := feed.Write(tc.dir, tc.name, tc.endpoint)
			require.ErrorIs(t, err, feed.ErrWrite)
		})
	}
}

func TestRead_Fail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := feed.Read(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = feed.Read(bad)
	require.Error(t, err)
}

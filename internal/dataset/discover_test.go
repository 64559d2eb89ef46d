package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverEdgeFilesBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "mammals.tsv"), "")
	mustWrite(t, filepath.Join(dir, "nested", "nouns.csv"), "")
	mustWrite(t, filepath.Join(dir, "ignore.txt"), "")

	files, err := DiscoverEdgeFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "mammals.tsv"),
		filepath.Join(dir, "nested", "nouns.csv"),
	}, files)
}

func TestDiscoverEdgeFilesSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edges.txt")
	mustWrite(t, path, "")

	files, err := DiscoverEdgeFiles(path)
	require.NoError(t, err)
	require.Equal(t, []string{path}, files)

	_, err = DiscoverEdgeFiles(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

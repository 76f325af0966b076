package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	l := New("/data")
	assert.Equal(t, "/data/processed/moon.tif", l.IntermediatePath("moon"))
	assert.Equal(t, "/data/tiles/moon/output", l.PyramidPrefix("moon"))
	assert.Equal(t, "/data/tiles/moon/output.dzi", l.DescriptorPath("moon"))
	assert.Equal(t, "/data/tiles/moon/manifest.json", l.ManifestPath("moon"))
	assert.Equal(t, "/data/annotations/moon.json", l.AnnotationPath("moon"))
}

func TestListSourceFilesCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.jp2", "B.JP2", "c.Jp2", "notes.txt", "d.jp2.part"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.jp2"), 0o755))

	l := New(dir)
	files, err := l.ListSourceFiles()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "B.JP2"), files[0])
	assert.Equal(t, "B", DatasetName(files[0]))
}

func TestListSourceFilesFollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	elsewhere := t.TempDir()
	target := filepath.Join(elsewhere, "moon.jp2")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(elsewhere, "tiles.jp2"), 0o755))

	require.NoError(t, os.Symlink(target, filepath.Join(dir, "moon.jp2")))
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "tiles.jp2"), filepath.Join(dir, "dir.jp2")))
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "gone.jp2"), filepath.Join(dir, "dangling.jp2")))

	files, err := New(dir).ListSourceFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "moon.jp2")}, files)
}

func TestListSourceFilesMissingRoot(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing"))
	_, err := l.ListSourceFiles()
	assert.Error(t, err)
}

func TestNewNormalizesExtensions(t *testing.T) {
	l := New("/x", "TIF", " .JP2 ", "")
	assert.Equal(t, []string{".tif", ".jp2"}, l.Extensions)
	assert.True(t, l.IsSource("/x/a.Tif"))
}

func TestEnsureDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	l := New(root)
	require.NoError(t, l.EnsureDirs())
	for _, d := range []string{l.ProcessedDir(), l.TilesDir(), l.AnnotationsDir()} {
		fi, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestValidName(t *testing.T) {
	for _, ok := range []string{"moon", "M81_2024-01.v2", "with space"} {
		assert.True(t, ValidName(ok), ok)
	}
	for _, bad := range []string{"", ".hidden", "../x", "a/b", `a\b`, "a..b", "nul\x00"} {
		assert.False(t, ValidName(bad), bad)
	}
}

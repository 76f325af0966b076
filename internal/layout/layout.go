package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Directory and file names under the data root.
const (
	ProcessedDir   = "processed"
	TilesDir       = "tiles"
	AnnotationsDir = "annotations"

	PyramidBase  = "output"
	ManifestFile = "manifest.json"
)

// DefaultExtensions lists the source formats picked up when none are configured.
var DefaultExtensions = []string{".jp2"}

// Layout resolves every on-disk location derived from a data root.
//
//	<root>/<name>.jp2                     source
//	<root>/processed/<name>.tif           intermediate
//	<root>/tiles/<name>/output.dzi        pyramid descriptor (+ output_files/)
//	<root>/tiles/<name>/manifest.json     viewer manifest
//	<root>/annotations/<name>.json        annotations
type Layout struct {
	Root       string
	Extensions []string
}

func New(root string, exts ...string) Layout {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return Layout{Root: root, Extensions: norm}
}

func (l Layout) ProcessedDir() string   { return filepath.Join(l.Root, ProcessedDir) }
func (l Layout) TilesDir() string       { return filepath.Join(l.Root, TilesDir) }
func (l Layout) AnnotationsDir() string { return filepath.Join(l.Root, AnnotationsDir) }

func (l Layout) IntermediatePath(name string) string {
	return filepath.Join(l.ProcessedDir(), name+".tif")
}

func (l Layout) DatasetTilesDir(name string) string { return filepath.Join(l.TilesDir(), name) }

// PyramidPrefix is the output prefix handed to the tiler; it appends .dzi and _files.
func (l Layout) PyramidPrefix(name string) string {
	return filepath.Join(l.DatasetTilesDir(name), PyramidBase)
}

func (l Layout) DescriptorPath(name string) string { return l.PyramidPrefix(name) + ".dzi" }

func (l Layout) ManifestPath(name string) string {
	return filepath.Join(l.DatasetTilesDir(name), ManifestFile)
}

func (l Layout) AnnotationPath(name string) string {
	return filepath.Join(l.AnnotationsDir(), name+".json")
}

// EnsureDirs creates the root and the fixed subdirectories.
func (l Layout) EnsureDirs() error {
	for _, d := range []string{l.Root, l.ProcessedDir(), l.TilesDir(), l.AnnotationsDir()} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// IsSource reports whether path has one of the configured extensions (case-insensitive).
func (l Layout) IsSource(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range l.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ListSourceFiles returns the source files directly under Root, sorted.
// Symlinks count when they resolve to a regular file.
func (l Layout) ListSourceFiles() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !l.IsSource(e.Name()) {
			continue
		}
		path := filepath.Join(l.Root, e.Name())
		if !e.Type().IsRegular() {
			if e.Type()&os.ModeSymlink == 0 {
				continue
			}
			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

// DatasetName derives the dataset key from a source path: its base name without extension.
func DatasetName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ValidName reports whether name is usable as a single path element.
// Names must be non-empty, must not start with '.', and must not contain
// path separators, NUL or "..".
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

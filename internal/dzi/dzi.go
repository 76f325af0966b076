// Package dzi reads Deep Zoom image descriptors and writes the viewer manifest
// derived from them.
package dzi

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loykin/dztiler/internal/fsutil"
)

// Namespace is the Deep Zoom schema namespace.
const Namespace = "http://schemas.microsoft.com/deepzoom/2008"

// DefaultTileSize applies when the descriptor omits TileSize.
const DefaultTileSize = 512

var ErrInvalidDescriptor = errors.New("invalid dzi descriptor")

// Descriptor is the content of a .dzi file.
type Descriptor struct {
	Width    int
	Height   int
	TileSize int
	Overlap  int
	Format   string
}

type xmlImage struct {
	XMLName  xml.Name `xml:"Image"`
	TileSize *int     `xml:"TileSize,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	Format   string   `xml:"Format,attr"`
	Size     *struct {
		Width  int `xml:"Width,attr"`
		Height int `xml:"Height,attr"`
	} `xml:"Size"`
}

// Parse decodes a descriptor. Both namespaced and bare Image roots are accepted.
func Parse(r io.Reader) (Descriptor, error) {
	var img xmlImage
	if err := xml.NewDecoder(r).Decode(&img); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if img.XMLName.Space != "" && img.XMLName.Space != Namespace {
		return Descriptor{}, fmt.Errorf("%w: unexpected namespace %q", ErrInvalidDescriptor, img.XMLName.Space)
	}
	if img.Size == nil {
		return Descriptor{}, fmt.Errorf("%w: missing Size element", ErrInvalidDescriptor)
	}
	if img.Size.Width <= 0 || img.Size.Height <= 0 {
		return Descriptor{}, fmt.Errorf("%w: non-positive size %dx%d", ErrInvalidDescriptor, img.Size.Width, img.Size.Height)
	}
	d := Descriptor{
		Width:    img.Size.Width,
		Height:   img.Size.Height,
		TileSize: DefaultTileSize,
		Overlap:  img.Overlap,
		Format:   img.Format,
	}
	if img.TileSize != nil {
		if *img.TileSize <= 0 {
			return Descriptor{}, fmt.Errorf("%w: non-positive TileSize %d", ErrInvalidDescriptor, *img.TileSize)
		}
		d.TileSize = *img.TileSize
	}
	return d, nil
}

// ParseFile parses the descriptor at path.
func ParseFile(path string) (Descriptor, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Descriptor{}, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Manifest is the viewer-facing summary written next to the descriptor.
type Manifest struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	TileSize int    `json:"tileSize"`
	DZI      string `json:"dzi"`
}

// WriteManifest parses the descriptor at dziPath and atomically writes
// manifestPath. It returns the manifest written.
func WriteManifest(dziPath, manifestPath string) (Manifest, error) {
	d, err := ParseFile(dziPath)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Width:    d.Width,
		Height:   d.Height,
		TileSize: d.TileSize,
		DZI:      filepath.Base(dziPath),
	}
	if err := fsutil.WriteJSONAtomic(manifestPath, m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

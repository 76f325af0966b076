package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage names, in execution order.
const (
	StageConvert  = "convert"
	StageTile     = "tile"
	StageManifest = "manifest"
)

// Options configures the external tool invocations.
type Options struct {
	Vips         string // tool binary, looked up in PATH when not absolute
	TileSize     int
	Overlap      int
	Depth        string // vips --depth: onepixel, onetile or one
	JPEGQuality  int
	Compression  string // intermediate TIFF compression
	StageTimeout time.Duration
	Env          []string // tool environment; nil inherits ours
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Vips:         "vips",
		TileSize:     512,
		Overlap:      1,
		Depth:        "onepixel",
		JPEGQuality:  90,
		Compression:  "lzw",
		StageTimeout: time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.Vips) == "" {
		o.Vips = d.Vips
	}
	if o.TileSize <= 0 {
		o.TileSize = d.TileSize
	}
	if o.Overlap < 0 {
		o.Overlap = d.Overlap
	}
	if o.Depth == "" {
		o.Depth = d.Depth
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = d.JPEGQuality
	}
	if o.Compression == "" {
		o.Compression = d.Compression
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = d.StageTimeout
	}
	return o
}

// ConvertArgs builds the argument vector of the convert stage.
func (o Options) ConvertArgs(src, dst string) []string {
	return []string{o.Vips, "copy", src, fmt.Sprintf("%s[compression=%s]", dst, o.Compression)}
}

// TileArgs builds the argument vector of the tile stage.
func (o Options) TileArgs(src, prefix string) []string {
	return []string{
		o.Vips, "dzsave", src, prefix,
		"--tile-size=" + strconv.Itoa(o.TileSize),
		"--overlap=" + strconv.Itoa(o.Overlap),
		"--depth=" + o.Depth,
		fmt.Sprintf("--suffix=.jpg[Q=%d]", o.JPEGQuality),
	}
}

// StageError reports the failure of one pipeline stage.
type StageError struct {
	Stage    string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *StageError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s stage timed out: %v", e.Stage, e.Err)
	case e.ExitCode > 0:
		return fmt.Sprintf("%s stage failed with exit code %d: %v", e.Stage, e.ExitCode, e.Err)
	default:
		return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error { return e.Err }

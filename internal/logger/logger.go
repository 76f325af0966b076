package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes a rotating log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config describes the daemon log and the per-dataset tool output logs.
//
// If File.Path is empty the daemon log goes to stderr. If ToolDir is set, the
// external tool output of each dataset is also written to
// ToolDir/<name>.stdout.log and ToolDir/<name>.stderr.log.
type Config struct {
	Level   string     `mapstructure:"level"`  // debug, info, warn, error
	Format  string     `mapstructure:"format"` // text or json
	Color   bool       `mapstructure:"color"`
	File    FileConfig `mapstructure:"file"`
	ToolDir string     `mapstructure:"tool_dir"`
}

// New builds the process logger described by c.
func New(c Config) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File.Path != "" {
		f := c.File.rotating(c.File.Path)
		w, closer = f, f
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		if c.Color && c.File.Path == "" {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ToolWriters returns rotating writers for the external tool output of the
// named dataset. Both are nil when ToolDir is not set.
func (c Config) ToolWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.ToolDir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.ToolDir, 0o750); err != nil {
		return nil, nil, err
	}
	outW := c.File.rotating(filepath.Join(c.ToolDir, fmt.Sprintf("%s.stdout.log", name)))
	errW := c.File.rotating(filepath.Join(c.ToolDir, fmt.Sprintf("%s.stderr.log", name)))
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

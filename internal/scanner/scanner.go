// Package scanner discovers source images under the data root and hands each
// new dataset to the pipeline exactly once.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/dztiler/internal/dataset"
	"github.com/loykin/dztiler/internal/fsutil"
	"github.com/loykin/dztiler/internal/layout"
	"github.com/loykin/dztiler/internal/metrics"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultBackoff  = 15 * time.Second
)

// Executor processes one dataset.
type Executor interface {
	Run(ctx context.Context, name, sourcePath string) error
}

// Dispatcher schedules work without blocking the caller.
type Dispatcher interface {
	Submit(task func()) error
}

// DispatchFunc adapts a plain function to Dispatcher.
type DispatchFunc func(task func()) error

func (f DispatchFunc) Submit(task func()) error { return f(task) }

// GoDispatcher starts every task on its own goroutine.
var GoDispatcher = DispatchFunc(func(task func()) error {
	go task()
	return nil
})

type Config struct {
	Interval time.Duration
	Backoff  time.Duration
}

// Scanner polls the data root for source files.
type Scanner struct {
	layout   layout.Layout
	registry *dataset.Registry
	exec     Executor
	dispatch Dispatcher
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) bool
}

func New(l layout.Layout, reg *dataset.Registry, exec Executor, dispatch Dispatcher, cfg Config, logger *slog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if dispatch == nil {
		dispatch = GoDispatcher
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		layout:   l,
		registry: reg,
		exec:     exec,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger.With("component", "scanner"),
		sleep:    sleepCtx,
	}
}

// Run scans every interval until ctx is cancelled. A failed scan is logged
// and retried after the backoff.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("starting discovery loop", "root", s.layout.Root, "interval", s.cfg.Interval)
	for {
		wait := s.cfg.Interval
		if _, err := s.ScanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.IncScanError()
			s.logger.Error("discovery loop error", "error", err, "backoff", s.cfg.Backoff)
			wait = s.cfg.Backoff
		}
		if !s.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// ScanOnce lists the source files once and dispatches a pipeline run for
// every name not seen before. It returns the number of runs dispatched.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	files, err := s.layout.ListSourceFiles()
	if err != nil {
		return 0, err
	}
	// runs outlive the scan that started them
	runCtx := context.WithoutCancel(ctx)
	n := 0
	for _, path := range files {
		name := layout.DatasetName(path)
		if !layout.ValidName(name) {
			s.logger.Warn("skipping file with unusable dataset name", "file", path)
			continue
		}
		if !s.registry.Reserve(name) {
			continue
		}
		s.logger.Info("Discovered new file: " + filepath.Base(path))
		if err := s.dispatch.Submit(func() { _ = s.exec.Run(runCtx, name, path) }); err != nil {
			// never started; the next scan picks it up again
			s.registry.Release(name)
			s.logger.Error("dispatch pipeline", "dataset", name, "error", err)
			continue
		}
		metrics.IncDiscovered()
		n++
	}
	return n, nil
}

// Recover registers every dataset that already has a manifest as ready, so
// finished work is neither reprocessed nor reported as pending after a
// restart. It returns the number of datasets restored.
func (s *Scanner) Recover(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.layout.TilesDir())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		name := e.Name()
		if !e.IsDir() || !layout.ValidName(name) || !fsutil.Exists(s.layout.ManifestPath(name)) {
			continue
		}
		if s.registry.Seed(name, dataset.StatusReady) {
			_ = s.registry.AppendLog(name, "Recovered processed dataset at startup.")
			n++
		}
	}
	s.logger.Info("startup recovery finished", "restored", n)
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

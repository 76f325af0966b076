// Package pipeline turns one source image into a Deep Zoom tile pyramid:
// convert to a tiled intermediate, cut the pyramid, then write the viewer
// manifest. Progress and failures are recorded on the dataset registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/dztiler/internal/dataset"
	"github.com/loykin/dztiler/internal/dzi"
	"github.com/loykin/dztiler/internal/fsutil"
	"github.com/loykin/dztiler/internal/history"
	"github.com/loykin/dztiler/internal/layout"
	"github.com/loykin/dztiler/internal/metrics"
	"github.com/loykin/dztiler/internal/runner"
)

const totalSteps = 3

// Executor runs pipelines. It is safe for concurrent use on distinct names.
type Executor struct {
	layout   layout.Layout
	registry *dataset.Registry
	runner   runner.Runner
	opts     Options
	history  *history.Recorder
	logger   *slog.Logger
	newRunID func() string
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

func WithHistory(r *history.Recorder) Option { return func(e *Executor) { e.history = r } }

func WithRunID(f func() string) Option { return func(e *Executor) { e.newRunID = f } }

func New(l layout.Layout, reg *dataset.Registry, r runner.Runner, opts Options, options ...Option) *Executor {
	e := &Executor{
		layout:   l,
		registry: reg,
		runner:   r,
		opts:     opts.withDefaults(),
		logger:   slog.Default(),
		newRunID: uuid.NewString,
	}
	for _, o := range options {
		o(e)
	}
	e.logger = e.logger.With("component", "pipeline")
	return e
}

// Options returns the effective tool options.
func (e *Executor) Options() Options { return e.opts }

// run carries the per-invocation state.
type run struct {
	*Executor
	name   string
	id     string
	logger *slog.Logger
}

// say appends text to the dataset log and mirrors it to the process log.
func (r *run) say(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if err := r.registry.AppendLog(r.name, text); err != nil {
		r.logger.Warn("append dataset log", "error", err)
	}
	r.logger.Info(r.name + ": " + text)
}

// Run processes the dataset name from sourcePath. The dataset must already be
// registered. A dataset whose manifest exists is marked ready without
// invoking any tool. The returned error is also recorded on the registry.
func (e *Executor) Run(ctx context.Context, name, sourcePath string) (err error) {
	r := &run{Executor: e, name: name, id: e.newRunID()}
	r.logger = e.logger.With("dataset", name, "run_id", r.id)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.logger.Error("pipeline panicked", "panic", fmt.Sprint(p))
			r.fail(err)
		}
	}()

	if fsutil.Exists(e.layout.ManifestPath(name)) {
		r.say("Dataset already processed and is ready.")
		if err := e.registry.SetStatus(name, dataset.StatusReady); err != nil {
			r.logger.Error("mark ready", "error", err)
			return err
		}
		metrics.IncRun("skipped")
		return nil
	}

	if err := e.registry.SetStatus(name, dataset.StatusProcessing); err != nil {
		r.logger.Error("start processing", "error", err)
		return err
	}

	start := time.Now()
	if err := r.stages(ctx, sourcePath); err != nil {
		r.fail(err)
		return err
	}

	if err := e.registry.SetStatus(name, dataset.StatusReady); err != nil {
		r.logger.Error("mark ready", "error", err)
		return err
	}
	r.say("Total processing finished in %.2f seconds. Dataset is ready.", time.Since(start).Seconds())
	metrics.IncRun("ready")
	return nil
}

func (r *run) stages(ctx context.Context, src string) error {
	name := r.name
	l := r.layout
	for _, dir := range []string{l.ProcessedDir(), l.DatasetTilesDir(name)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	tif := l.IntermediatePath(name)

	steps := []struct {
		stage string
		desc  string
		exec  func(context.Context) error
	}{
		{StageConvert, fmt.Sprintf("Converting %s to TIFF (This can be very slow)...", filepath.Base(src)), func(ctx context.Context) error {
			return r.tool(ctx, StageConvert, r.opts.ConvertArgs(src, tif))
		}},
		{StageTile, "Creating image tile pyramid...", func(ctx context.Context) error {
			return r.tool(ctx, StageTile, r.opts.TileArgs(tif, l.PyramidPrefix(name)))
		}},
		{StageManifest, "Generating manifest...", func(context.Context) error {
			if _, err := dzi.WriteManifest(l.DescriptorPath(name), l.ManifestPath(name)); err != nil {
				return &StageError{Stage: StageManifest, Err: err}
			}
			return nil
		}},
	}

	for i, st := range steps {
		r.say("Step %d/%d: %s", i+1, totalSteps, st.desc)
		began := time.Now()
		err := st.exec(ctx)
		took := time.Since(began)
		metrics.ObserveStage(st.stage, err == nil, took.Seconds())
		r.recordStage(ctx, st.stage, took, err)
		if err != nil {
			return err
		}
		r.say("Step %d/%d finished in %.2f seconds.", i+1, totalSteps, took.Seconds())
	}
	return nil
}

func (r *run) tool(ctx context.Context, stage string, args []string) error {
	res, err := r.runner.Run(ctx, runner.Invocation{
		Dataset: r.name,
		Stage:   stage,
		Args:    args,
		Env:     r.opts.Env,
		Timeout: r.opts.StageTimeout,
	})
	metrics.ObservePeakRSS(stage, res.PeakRSS)
	if err != nil {
		return &StageError{
			Stage:    stage,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			TimedOut: res.TimedOut || errors.Is(err, runner.ErrTimeout),
			Err:      err,
		}
	}
	r.logger.Debug("tool finished", "stage", stage, "duration", res.Duration, "peak_rss", res.PeakRSS)
	return nil
}

func (r *run) fail(err error) {
	r.say("ERROR: %v", err)
	var se *StageError
	if errors.As(err, &se) && strings.TrimSpace(se.Stderr) != "" {
		r.say("stderr:\n%s", se.Stderr)
	}
	if ferr := r.registry.Fail(r.name, err.Error()); ferr != nil {
		r.logger.Error("mark error", "error", ferr)
	}
	metrics.IncRun("error")
}

func (r *run) recordStage(ctx context.Context, stage string, took time.Duration, err error) {
	e := history.Event{
		Type:       history.EventStage,
		Dataset:    r.name,
		RunID:      r.id,
		Stage:      stage,
		DurationMS: took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	r.history.Record(ctx, e)
}

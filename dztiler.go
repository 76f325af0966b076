package dztiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/dztiler/internal/annotation"
	"github.com/loykin/dztiler/internal/auth"
	"github.com/loykin/dztiler/internal/config"
	"github.com/loykin/dztiler/internal/dataset"
	"github.com/loykin/dztiler/internal/history"
	"github.com/loykin/dztiler/internal/history/factory"
	"github.com/loykin/dztiler/internal/layout"
	"github.com/loykin/dztiler/internal/logger"
	"github.com/loykin/dztiler/internal/metrics"
	"github.com/loykin/dztiler/internal/pipeline"
	"github.com/loykin/dztiler/internal/runner"
	"github.com/loykin/dztiler/internal/scanner"
	"github.com/loykin/dztiler/internal/server"
	"github.com/loykin/dztiler/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Snapshot = dataset.Snapshot

type Status = dataset.Status

type Annotation = annotation.Annotation

type AnnotationInput = annotation.Input

type Runner = runner.Runner

type Invocation = runner.Invocation

type Result = runner.Result

type HistorySink = history.Sink

const (
	StatusPending    = dataset.StatusPending
	StatusProcessing = dataset.StatusProcessing
	StatusReady      = dataset.StatusReady
	StatusError      = dataset.StatusError
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() (*Config, error) { return config.Default() }

// Service wires discovery, pipeline runs, the dataset registry, the
// annotation store and the HTTP API around one data directory.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	layout layout.Layout

	registry    *dataset.Registry
	runner      runner.Runner
	executor    *pipeline.Executor
	pool        *worker.Pool
	scanner     *scanner.Scanner
	annotations *annotation.Store
	auth        *auth.Service
	router      *server.Router
	history     *history.Recorder
	registerer  prometheus.Registerer
	sinks       []history.Sink

	closers []io.Closer
}

type Option func(*Service)

// WithLogger replaces the logger built from the log section of the config.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithRunner replaces the external tool runner.
func WithRunner(r Runner) Option { return func(s *Service) { s.runner = r } }

// WithMetricsRegisterer registers metrics on r instead of the default registry.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(s *Service) { s.registerer = r }
}

// WithHistorySink adds a sink next to the ones configured by DSN.
func WithHistorySink(sink HistorySink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sink) }
}

// New validates cfg, creates the data directories and wires every component.
// Nothing is started until Run.
func New(cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init() error {
	cfg := s.cfg
	if s.logger == nil {
		l, closer, err := logger.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		s.logger = l
		s.closers = append(s.closers, closer)
	}

	s.layout = layout.New(cfg.DataDir, cfg.SourceExtensions...)
	if err := s.layout.EnsureDirs(); err != nil {
		return err
	}

	if cfg.History.Enabled {
		rec, err := factory.NewRecorder(s.logger, cfg.History.Sinks)
		if err != nil {
			return err
		}
		s.history = rec
	}
	if len(s.sinks) > 0 {
		if s.history == nil {
			s.history = history.NewRecorder(s.logger)
		}
		for _, sink := range s.sinks {
			s.history.Add(sink)
		}
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(s.registerer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	s.registry = dataset.NewRegistry(dataset.WithObserver(s.observeTransition))

	if s.runner == nil {
		s.runner = &runner.ExecRunner{
			Log:            cfg.Log,
			SampleInterval: cfg.Tool.SampleInterval,
			Logger:         s.logger,
		}
	}
	env, err := cfg.Tool.ToolEnv()
	if err != nil {
		return fmt.Errorf("tool env: %w", err)
	}
	s.executor = pipeline.New(s.layout, s.registry, s.runner, pipeline.Options{
		Vips:         cfg.Tool.Vips,
		TileSize:     cfg.Tool.TileSize,
		Overlap:      cfg.Tool.Overlap,
		Depth:        cfg.Tool.Depth,
		JPEGQuality:  cfg.Tool.JPEGQuality,
		Compression:  cfg.Tool.Compression,
		StageTimeout: cfg.StageTimeout,
		Env:          env,
	}, pipeline.WithLogger(s.logger), pipeline.WithHistory(s.history))

	s.pool = worker.New(cfg.Workers, s.logger)
	s.scanner = scanner.New(s.layout, s.registry, s.executor, s.pool, scanner.Config{
		Interval: cfg.ScanInterval,
		Backoff:  cfg.ScanBackoff,
	}, s.logger)
	s.annotations = annotation.NewStore(s.layout.AnnotationsDir(), s.logger)

	ropts := []server.Option{server.WithTiles(s.layout.TilesDir()), server.WithLogger(s.logger)}
	if cfg.Server.JWTSecret != "" {
		svc, err := auth.NewService(cfg.Server.JWTSecret)
		if err != nil {
			return err
		}
		s.auth = svc
		ropts = append(ropts, server.WithAuth(auth.NewMiddleware(svc)))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		ropts = append(ropts, server.WithMetrics())
	}
	s.router = server.NewRouter(s.registry, s.annotations, cfg.Server.BasePath, ropts...)
	return nil
}

func (s *Service) observeTransition(name string, from, to dataset.Status) {
	metrics.RecordStateTransition(string(from), string(to))
	s.history.Record(context.Background(), history.Event{
		Type:    history.EventStatus,
		Dataset: name,
		From:    string(from),
		To:      string(to),
	})
}

// syncGauges keeps the per-status dataset gauges current until ctx ends.
func (s *Service) syncGauges(ctx context.Context) {
	ch, cancel := s.registry.Subscribe()
	defer cancel()
	for {
		counts := s.registry.Counts()
		for _, st := range []dataset.Status{StatusPending, StatusProcessing, StatusReady, StatusError} {
			metrics.SetDatasets(string(st), counts[st])
		}
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}

func (s *Service) Config() *Config                  { return s.cfg }
func (s *Service) Logger() *slog.Logger             { return s.logger }
func (s *Service) Registry() *dataset.Registry      { return s.registry }
func (s *Service) Annotations() *annotation.Store   { return s.annotations }
func (s *Service) Router() *server.Router           { return s.router }
func (s *Service) Handler() http.Handler            { return s.router.Handler() }
func (s *Service) Snapshot() []Snapshot             { return s.registry.Snapshot() }
func (s *Service) Get(name string) (Snapshot, bool) { return s.registry.Get(name) }
func (s *Service) ManifestPath(name string) string  { return s.layout.ManifestPath(name) }

// ScanOnce runs a single discovery pass.
func (s *Service) ScanOnce(ctx context.Context) (int, error) { return s.scanner.ScanOnce(ctx) }

// IssueToken mints an API token when a JWT secret is configured. A
// non-positive ttl uses the default lifetime.
func (s *Service) IssueToken(subject string, ttl time.Duration) (*auth.Token, error) {
	if s.auth == nil {
		return nil, auth.ErrNoSecret
	}
	return s.auth.Issue(subject, ttl)
}

// Process runs the pipeline once for the source file at path, in the calling
// goroutine. The dataset is registered under the file's base name.
func (s *Service) Process(ctx context.Context, path string) (Snapshot, error) {
	name := layout.DatasetName(path)
	if !layout.ValidName(name) {
		return Snapshot{}, fmt.Errorf("unusable dataset name %q", filepath.Base(path))
	}
	if !s.registry.Reserve(name) {
		return Snapshot{}, fmt.Errorf("dataset %s is already registered", name)
	}
	err := s.executor.Run(ctx, name, path)
	snap, _ := s.registry.Get(name)
	return snap, err
}

// Run restores finished datasets, then runs the discovery loop and the HTTP
// listeners until ctx is cancelled. Pipeline runs in flight are not waited for.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.scanner.Recover(ctx); err != nil {
		s.logger.Warn("startup recovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.syncGauges(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.scanner.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	srvCfg := s.cfg.Server
	if srvCfg.Listen != "" {
		api := server.NewServer(srvCfg.Listen, s.Handler())
		g.Go(func() error {
			s.logger.Info("starting HTTP server", "listen", srvCfg.Listen, "base_path", srvCfg.BasePath,
				"tls", srvCfg.TLSCert != "")
			return server.Serve(gctx, api, srvCfg.TLSCert, srvCfg.TLSKey)
		})
	}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv := server.NewServer(s.cfg.Metrics.Listen, mux)
		g.Go(func() error {
			s.logger.Info("starting metrics server", "listen", s.cfg.Metrics.Listen)
			return server.Serve(gctx, msrv, "", "")
		})
	}
	return g.Wait()
}

// Close stops accepting pipeline runs and releases sinks and log files.
func (s *Service) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	var errs []error
	if err := s.history.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// RegisterMetrics registers the dztiler collectors on r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

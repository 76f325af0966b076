package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/dztiler/internal/annotation"
	"github.com/loykin/dztiler/internal/auth"
	"github.com/loykin/dztiler/internal/dataset"
	"github.com/loykin/dztiler/internal/metrics"
)

// Router provides embeddable HTTP handlers for the dashboard data.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/datasets              all dataset snapshots
//	GET  {basePath}/datasets/:name        one snapshot
//	GET  {basePath}/annotations/:name     annotations of a dataset
//	POST {basePath}/annotations/:name     body: {"x":..,"y":..,"text":..}
//	GET  {basePath}/ws/datasets           websocket snapshot stream
//	GET  /tiles/*filepath                 tile pyramids (when a tiles dir is set)
//	GET  /metrics                         when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	registry    *dataset.Registry
	annotations *annotation.Store
	auth        *auth.Middleware
	basePath    string
	tilesDir    string
	metrics     bool
	logger      *slog.Logger
}

type Option func(*Router)

// WithAuth guards write endpoints with m.
func WithAuth(m *auth.Middleware) Option { return func(r *Router) { r.auth = m } }

// WithTiles serves dir under /tiles.
func WithTiles(dir string) Option { return func(r *Router) { r.tilesDir = dir } }

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/datasets, /api/annotations/:name.
func NewRouter(reg *dataset.Registry, store *annotation.Store, basePath string, opts ...Option) *Router {
	r := &Router{
		registry:    reg,
		annotations: store,
		basePath:    sanitizeBase(basePath),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "http")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// Register mounts the routes on an existing gin engine.
func (r *Router) Register(g *gin.Engine) {
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/datasets", r.handleDatasets)
	group.GET("/datasets/:name", r.handleDataset)
	group.GET("/annotations/:name", r.handleListAnnotations)
	group.POST("/annotations/:name", r.auth.GinAuth(), r.handleAppendAnnotation)
	group.GET("/ws/datasets", r.handleWS)
	if r.tilesDir != "" {
		g.Static("/tiles", r.tilesDir)
	}
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// NewServer returns an HTTP server for handler on addr. The caller starts it.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
// TLS is used when both certFile and keyFile are set.
func Serve(ctx context.Context, srv *http.Server, certFile, keyFile string) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		return <-errCh
	}
}

// --- Handlers ---

func (r *Router) handleHealth(c *gin.Context) {
	counts := r.registry.Counts()
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "datasets": counts})
}

func (r *Router) handleDatasets(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.registry.Snapshot())
}

func (r *Router) handleDataset(c *gin.Context) {
	s, ok := r.registry.Get(c.Param("name"))
	if !ok {
		writeError(c, http.StatusNotFound, "unknown dataset")
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleListAnnotations(c *gin.Context) {
	list, err := r.annotations.List(c.Param("name"))
	if err != nil {
		r.annotationError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleAppendAnnotation(c *gin.Context) {
	var in annotation.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	a, err := r.annotations.Append(c.Param("name"), in)
	if err != nil {
		r.annotationError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, a)
}

func (r *Router) annotationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, annotation.ErrValidation), errors.Is(err, annotation.ErrInvalidName):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("annotation store", "dataset", c.Param("name"), "error", err)
		writeError(c, http.StatusInternalServerError, "annotation store failure")
	}
}

package app

import (
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vk/rulegridgo/internal/config"
	"github.com/vk/rulegridgo/internal/dag"
	"github.com/vk/rulegridgo/internal/hcl"
	"github.com/vk/rulegridgo/internal/metrics"
	"github.com/vk/rulegridgo/internal/rules"
	"github.com/vk/rulegridgo/internal/scheduler"
	"github.com/vk/rulegridgo/internal/vars"
	"github.com/vk/rulegridgo/internal/yamlconf"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	config  *Config
	loaders []config.Loader
	runID   string

	store    *vars.Store
	registry *rules.Registry
	model    *config.Model

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	httpServer   *http.Server

	mu     sync.RWMutex
	graph  *dag.Graph
	report *scheduler.Report
}

// NewApp is the constructor for the main application. It returns an App with
// its own isolated logger, variable store, rule registry and metrics. When no
// loaders are given the HCL and YAML front-ends are used.
func NewApp(outW io.Writer, cfg *Config, loaders ...config.Loader) *App {
	if len(loaders) == 0 {
		loaders = []config.Loader{hcl.NewLoader(), yamlconf.NewLoader()}
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	promRegistry := prometheus.NewRegistry()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.", "run_id", runID)

	return &App{
		outW:         outW,
		logger:       logger,
		config:       cfg,
		loaders:      loaders,
		runID:        runID,
		store:        vars.New(vars.WithShell(cfg.Shell)),
		registry:     rules.NewRegistry(),
		promRegistry: promRegistry,
		metrics:      metrics.New(promRegistry),
	}
}

// RunID returns the identifier of this run.
func (a *App) RunID() string {
	return a.runID
}

// RunDir returns the directory holding this run's logs.
func (a *App) RunDir() string {
	return filepath.Join(a.config.LogDir, a.runID)
}

// Store returns the application's variable store. This is primarily for testing.
func (a *App) Store() *vars.Store {
	return a.store
}

// Registry returns the application's rule registry. This is primarily for testing.
func (a *App) Registry() *rules.Registry {
	return a.registry
}

// Graph returns the resolved dependency graph, or nil before resolution.
func (a *App) Graph() *dag.Graph {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.graph
}

// Report returns the outcome of the last run, or nil.
func (a *App) Report() *scheduler.Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.report
}

func (a *App) setGraph(g *dag.Graph) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.graph = g
}

func (a *App) setReport(r *scheduler.Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report = r
}

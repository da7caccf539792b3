package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/dag"
	"github.com/vk/rulegridgo/internal/executor"
	"github.com/vk/rulegridgo/internal/preflight"
	"github.com/vk/rulegridgo/internal/scheduler"
)

// Run executes the application lifecycle. Configuration and resolution
// errors abort before any job starts; job failures are contained to their
// subgraph and reported as a *scheduler.RunError.
func (a *App) Run(ctx context.Context) error {
	if !a.config.Plan {
		runLog, err := a.openRunLog()
		if err != nil {
			return err
		}
		defer runLog.Close()
		a.logger = newLogger(a.config.LogLevel, a.config.LogFormat, a.outW, runLog)
	}
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "run_id", a.runID)

	graph, exec, err := a.prepare(ctx)
	if err != nil {
		return err
	}

	if a.config.Plan {
		return a.printPlan(ctx, graph, exec)
	}

	if a.config.HealthcheckPort > 0 {
		if err := a.startHealthCheckServer(ctx, a.config.HealthcheckPort); err != nil {
			return err
		}
		defer a.closeHealthCheckServer(ctx)
	}

	a.logger.Info("▶️ Run started.", "run_id", a.runID, "jobs", len(graph.Jobs()), "max_procs", a.config.MaxProcs, "backend", exec.Backend().Name())
	sched := scheduler.New(a.config.MaxProcs, exec, scheduler.WithMetrics(a.metrics))
	report, runErr := sched.Run(ctx, graph)
	if report != nil {
		a.setReport(report)
		printReport(a.outW, report)
	}
	if runErr != nil {
		return fmt.Errorf("execution failed: %w", runErr)
	}

	a.logger.Info("🏁 Run finished.", "run_id", a.runID, "logs", a.RunDir())
	a.logger.Debug("App.Run method finished.")
	return nil
}

// prepare performs every step that can fail before work starts: loading,
// variables, rule activation, preflight and graph resolution.
func (a *App) prepare(ctx context.Context) (*dag.Graph, *executor.Executor, error) {
	logger := ctxlog.FromContext(ctx)

	model, err := a.loadModel(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.model = model

	if err := a.populateStore(ctx, model); err != nil {
		return nil, nil, err
	}
	if err := model.Register(a.registry); err != nil {
		return nil, nil, fmt.Errorf("invalid rule: %w", err)
	}
	active, err := a.registry.Activate(a.store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to activate rules: %w", err)
	}
	logger.Debug("Rules activated.", "registered", a.registry.Len(), "active", active.Len())

	exec := a.newExecutor()
	requires := append([]string{exec.Backend().Binary()}, model.Requires...)
	if err := preflight.Check(ctx, requires, nil); err != nil {
		return nil, nil, fmt.Errorf("preflight check failed: %w", err)
	}

	targets, err := a.resolveTargets(ctx, model)
	if err != nil {
		return nil, nil, err
	}

	logger.Debug("Building dependency graph...", "targets", targets)
	graph, err := dag.Build(ctx, active, targets)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.setGraph(graph)
	logger.Info("Dependency graph built.", "targets", graph.Len(), "jobs", len(graph.Jobs()))
	return graph, exec, nil
}

func (a *App) newExecutor() *executor.Executor {
	var backend executor.Backend = executor.Local{Shell: a.config.Shell}
	if a.config.Backend == BackendSlurm {
		backend = executor.Slurm{ExtraArgs: a.config.SlurmArgs}
	}
	var ledger *executor.Ledger
	if !a.config.Plan {
		ledger = executor.NewLedger(filepath.Join(a.RunDir(), "jobs.yaml"))
	}
	return executor.New(a.store, executor.Options{
		LogDir:    a.config.LogDir,
		RunID:     a.runID,
		Backend:   backend,
		KillGrace: a.config.KillGrace,
		Ledger:    ledger,
	})
}

func (a *App) openRunLog() (*os.File, error) {
	if err := os.MkdirAll(a.RunDir(), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create log directory: %w", err)
	}
	f, err := os.Create(filepath.Join(a.RunDir(), "run.log"))
	if err != nil {
		return nil, fmt.Errorf("cannot create run log: %w", err)
	}
	return f, nil
}

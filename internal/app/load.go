package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vk/rulegridgo/internal/config"
	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/fsutil"
	"github.com/vk/rulegridgo/internal/vars"
)

// loadModel reads every configured path with the loader for its format.
// Directories are offered to every loader; files go to the loader that owns
// their extension.
func (a *App) loadModel(ctx context.Context) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading pipeline...", "paths", a.config.Paths)

	model := &config.Model{}
	for _, path := range a.config.Paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load pipeline: %w", err)
		}

		loaders := a.loaders
		if !info.IsDir() {
			l := a.loaderFor(path)
			if l == nil {
				return nil, fmt.Errorf("failed to load pipeline: no loader for %s", path)
			}
			loaders = []config.Loader{l}
		}
		for _, l := range loaders {
			m, err := l.Load(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("failed to load pipeline: %w", err)
			}
			model.Merge(m)
		}
	}

	logger.Info("Pipeline loaded.", "variables", len(model.Variables), "rules", len(model.Rules), "targets", len(model.Targets))
	return model, nil
}

func (a *App) loaderFor(path string) config.Loader {
	for _, l := range a.loaders {
		if fsutil.HasExtension(path, l.Extensions()...) {
			return l
		}
	}
	return nil
}

// populateStore binds variables in precedence order: explicit file
// assignments, then command-line sets, then file defaults. It checks the
// required variables and freezes the store.
func (a *App) populateStore(ctx context.Context, model *config.Model) error {
	logger := ctxlog.FromContext(ctx)

	for _, v := range model.Variables {
		if v.Default {
			continue
		}
		if err := a.store.Set(v.Name, v.Value); err != nil {
			return err
		}
		logger.Debug("Variable set.", "name", v.Name, "origin", v.Origin)
	}
	for _, kv := range a.config.assignments() {
		if err := a.store.Set(kv[0], kv[1]); err != nil {
			return err
		}
		logger.Debug("Variable set from command line.", "name", kv[0])
	}
	for _, v := range model.Variables {
		if !v.Default {
			continue
		}
		written, err := a.store.SetDefault(v.Name, v.Value)
		if err != nil {
			return err
		}
		logger.Debug("Variable default applied.", "name", v.Name, "written", written)
	}

	var missing []string
	for _, name := range model.Required {
		if _, ok := a.store.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required variable(s) %s not set, use --set name=value: %w",
			strings.Join(missing, ", "), &vars.UnboundVariableError{Name: missing[0]})
	}

	a.store.Freeze()
	logger.Debug("Variable store frozen.", "count", len(a.store.Names()))
	return nil
}

// resolveTargets interpolates the requested targets, falling back to the
// pipeline's default targets.
func (a *App) resolveTargets(ctx context.Context, model *config.Model) ([]string, error) {
	raw := a.config.Targets
	if len(raw) == 0 {
		raw = model.Targets
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no targets requested: pass --target or declare targets in the pipeline")
	}

	targets := make([]string, 0, len(raw))
	for _, t := range raw {
		resolved, err := a.store.InterpolateContext(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", t, err)
		}
		// A single interpolated value may name several targets.
		targets = append(targets, strings.Fields(resolved)...)
	}
	return targets, nil
}

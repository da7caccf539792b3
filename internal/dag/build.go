package dag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/node"
	"github.com/vk/rulegridgo/internal/rules"
)

// Matcher resolves a concrete target to the rule that produces it.
type Matcher interface {
	Match(target string) (*rules.Match, error)
}

// Option configures Build.
type Option func(*builder)

// WithStat replaces os.Stat for freshness checks.
func WithStat(stat func(string) (fs.FileInfo, error)) Option {
	return func(b *builder) { b.stat = stat }
}

type builder struct {
	ctx        context.Context
	matcher    Matcher
	stat       func(string) (fs.FileInfo, error)
	graph      *Graph
	inProgress map[string]bool
	stack      []string
	done       map[string]*node.Target
	nextID     int
}

// Build resolves the requested targets depth-first through m into a graph
// covering exactly their transitive prerequisites. Targets that exist and
// are not older than any input are fresh and get no job.
func Build(ctx context.Context, m Matcher, requested []string, opts ...Option) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: Starting graph construction.", "requested", requested)

	b := &builder{
		ctx:        ctx,
		matcher:    m,
		stat:       os.Stat,
		graph:      New(),
		inProgress: make(map[string]bool),
		done:       make(map[string]*node.Target),
	}
	for _, opt := range opts {
		opt(b)
	}

	cleaned := make([]string, 0, len(requested))
	for _, path := range requested {
		path = filepath.Clean(path)
		if _, err := b.visit(path, ""); err != nil {
			return nil, err
		}
		cleaned = append(cleaned, path)
	}
	b.graph.setRequested(cleaned)
	logger.Debug("Build: Target resolution complete.", "node_count", b.graph.Len(), "job_count", b.nextID)

	if err := b.graph.DetectCycles(); err != nil {
		return nil, fmt.Errorf("error validating dependency graph: %w", err)
	}
	logger.Debug("Build: Cycle detection passed.")
	return b.graph, nil
}

func (b *builder) visit(path, requiredBy string) (*node.Target, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}
	if t, ok := b.done[path]; ok {
		return t, nil
	}
	if b.inProgress[path] {
		return nil, newCycleError(b.stack, path)
	}
	b.inProgress[path] = true
	b.stack = append(b.stack, path)
	defer func() {
		delete(b.inProgress, path)
		b.stack = b.stack[:len(b.stack)-1]
	}()

	logger := ctxlog.FromContext(b.ctx)

	info, err := b.stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot stat '%s': %w", path, err)
	}

	match, err := b.matcher.Match(path)
	if err != nil {
		var noRule *rules.NoRuleError
		if !errors.As(err, &noRule) {
			return nil, err
		}
		if !exists {
			return nil, &MissingSourceError{Target: path, RequiredBy: requiredBy, Err: err}
		}
		logger.Debug("Build: Source file found.", "target", path)
		t := b.graph.AddTarget(&node.Target{Path: path, Status: node.Exists, ModTime: info.ModTime(), IsDir: info.IsDir()})
		b.done[path] = t
		return t, nil
	}

	inputs := make([]string, len(match.Inputs))
	deps := make([]*node.Target, len(match.Inputs))
	for i, in := range match.Inputs {
		inputs[i] = filepath.Clean(in)
		dep, err := b.visit(inputs[i], path)
		if err != nil {
			return nil, err
		}
		deps[i] = dep
	}

	t := &node.Target{Path: path, Status: node.Exists}
	if exists {
		t.ModTime = info.ModTime()
		t.IsDir = info.IsDir()
	} else {
		t.Status = node.Missing
	}
	for _, dep := range deps {
		if t.Status != node.Exists {
			break
		}
		// Every commit into a directory bumps its mtime, so only a pending
		// job makes a directory prerequisite outdate its dependents.
		if dep.Job != nil || (!dep.IsDir && dep.ModTime.After(t.ModTime)) {
			t.Status = node.Stale
		}
	}

	if t.Status != node.Exists {
		b.nextID++
		t.Job = node.NewJob(fmt.Sprintf("j%04d", b.nextID), match.Rule, match.Capture, inputs, path)
		logger.Debug("Build: Job created.", "target", path, "rule", match.Rule.Name, "status", t.Status, "job", t.Job.ID)
	} else {
		logger.Debug("Build: Target is fresh.", "target", path, "rule", match.Rule.Name)
	}

	t = b.graph.AddTarget(t)
	for _, in := range inputs {
		if err := b.graph.AddEdge(in, path); err != nil {
			return nil, err
		}
	}
	b.done[path] = t
	return t, nil
}

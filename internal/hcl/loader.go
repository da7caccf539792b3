package hcl

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/rulegridgo/internal/config"
	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL pipeline loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Extensions implements config.Loader.
func (l *Loader) Extensions() []string {
	return []string{".hcl"}
}

// Load parses every .hcl file under paths, in order, and merges them into a
// single model.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := fsutil.CollectFiles(paths, l.Extensions()...)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	model := &config.Model{}
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		m, err := l.decode(ctx, file, hclFile)
		if err != nil {
			return nil, err
		}
		model.Merge(m)
	}

	logger.Debug("HCL loading complete.", "variables", len(model.Variables), "rules", len(model.Rules), "targets", len(model.Targets))
	return model, nil
}

// LoadSource parses a single in-memory file.
func (l *Loader) LoadSource(ctx context.Context, filename string, src []byte) (*config.Model, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return l.decode(ctx, filename, hclFile)
}

func (l *Loader) decode(ctx context.Context, filename string, f *hcl.File) (*config.Model, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(f.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	model := &config.Model{}
	for _, v := range root.Variables {
		value, err := render(v.Value, valueMode)
		if err != nil {
			return nil, fmt.Errorf("in variable '%s': %w", v.Name, err)
		}
		model.Variables = append(model.Variables, &config.Variable{
			Name:    v.Name,
			Value:   value,
			Default: deref(v.Default),
			Origin:  filename,
		})
	}

	for _, s := range root.Settings {
		model.Required = append(model.Required, s.Required...)
		model.Requires = append(model.Requires, s.Requires...)
		if isExprDefined(ctx, s.Targets, "targets") {
			targets, err := renderList(s.Targets, valueMode)
			if err != nil {
				return nil, fmt.Errorf("in settings targets: %w", err)
			}
			model.Targets = append(model.Targets, targets...)
		}
	}

	for _, r := range root.Rules {
		rule, err := l.translateRule(ctx, filename, r)
		if err != nil {
			return nil, fmt.Errorf("in rule '%s': %w", r.Name, err)
		}
		model.Rules = append(model.Rules, rule)
	}
	return model, nil
}

// translateRule converts the HCL-specific rule schema into the agnostic model.
func (l *Loader) translateRule(ctx context.Context, filename string, b *ruleBlock) (*config.Rule, error) {
	ctx, logger := ctxlog.With(ctx, "rule", b.Name)
	logger.Debug("Translating HCL rule to internal config model.")

	shexec := deref(b.Shexec)
	r := &config.Rule{
		Name:   b.Name,
		Origin: filename,
		Shexec: shexec,
		Atomic: b.Atomic,
		When:   b.When,
	}

	var err error
	if r.Target, err = render(b.Target, valueMode); err != nil {
		return nil, err
	}
	if isExprDefined(ctx, b.Inputs, "inputs") {
		if r.Inputs, err = renderList(b.Inputs, valueMode); err != nil {
			return nil, err
		}
	}

	cmdMode := commandMode
	if shexec {
		cmdMode = shellMode
	}
	if r.Command, err = render(b.Command, cmdMode); err != nil {
		return nil, err
	}

	if b.Job != nil {
		r.Job = config.Job{
			Procs:    deref(b.Job.Procs),
			Mem:      deref(b.Job.Mem),
			Walltime: deref(b.Job.Walltime),
			Stack:    deref(b.Job.Stack),
		}
		for _, field := range []struct {
			name string
			expr hcl.Expression
			dst  *string
		}{
			{"name", b.Job.Name, &r.Job.Name},
			{"stdout", b.Job.Stdout, &r.Job.Stdout},
			{"stderr", b.Job.Stderr, &r.Job.Stderr},
		} {
			if !isExprDefined(ctx, field.expr, field.name) {
				continue
			}
			if *field.dst, err = render(field.expr, commandMode); err != nil {
				return nil, fmt.Errorf("in job %s: %w", field.name, err)
			}
		}
	}
	return r, nil
}

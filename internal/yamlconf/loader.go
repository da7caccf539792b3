// Package yamlconf provides the YAML front-end for pipelines. Unlike the HCL
// front-end it carries commands in the canonical template syntax verbatim.
package yamlconf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vk/rulegridgo/internal/config"
	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// document is the top-level layout of a pipeline file. Variables and
// defaults are mappings whose order is preserved.
type document struct {
	Variables yaml.Node `yaml:"variables"`
	Defaults  yaml.Node `yaml:"defaults"`
	Required  []string  `yaml:"required"`
	Requires  []string  `yaml:"requires"`
	Targets   []string  `yaml:"targets"`
	Rules     []rule    `yaml:"rules"`
}

type rule struct {
	Name    string   `yaml:"name"`
	Target  string   `yaml:"target"`
	Inputs  []string `yaml:"inputs"`
	When    []string `yaml:"when"`
	Shexec  bool     `yaml:"shexec"`
	Atomic  *bool    `yaml:"atomic"`
	Command string   `yaml:"command"`
	Job     job      `yaml:"job"`
}

type job struct {
	Procs    int    `yaml:"procs"`
	Mem      string `yaml:"mem"`
	Walltime string `yaml:"walltime"`
	Stack    string `yaml:"stack"`
	Name     string `yaml:"name"`
	Stdout   string `yaml:"stdout"`
	Stderr   string `yaml:"stderr"`
}

// Loader implements config.Loader for .yaml and .yml files.
type Loader struct{}

// NewLoader creates a new YAML pipeline loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Extensions implements config.Loader.
func (l *Loader) Extensions() []string {
	return []string{".yaml", ".yml"}
}

// Load parses every YAML file under paths and merges them in order.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.CollectFiles(paths, l.Extensions()...)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered YAML files.", "count", len(files))

	model := &config.Model{}
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		m, err := l.Decode(f, file)
		f.Close()
		if err != nil {
			return nil, err
		}
		model.Merge(m)
	}
	logger.Debug("YAML loading complete.", "variables", len(model.Variables), "rules", len(model.Rules))
	return model, nil
}

// Decode reads one pipeline document from r. Unknown keys are rejected.
func (l *Loader) Decode(r io.Reader, filename string) (*config.Model, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &config.Model{}, nil
		}
		return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
	}

	model := &config.Model{
		Required: doc.Required,
		Requires: doc.Requires,
		Targets:  doc.Targets,
	}

	explicit, err := assignments(&doc.Variables, filename, false)
	if err != nil {
		return nil, err
	}
	defaults, err := assignments(&doc.Defaults, filename, true)
	if err != nil {
		return nil, err
	}
	model.Variables = append(explicit, defaults...)

	for i, r := range doc.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("%s: rule #%d has no name", filename, i+1)
		}
		if r.Target == "" {
			return nil, fmt.Errorf("%s: rule '%s' has no target", filename, r.Name)
		}
		model.Rules = append(model.Rules, &config.Rule{
			Name:    r.Name,
			Origin:  filename,
			Target:  r.Target,
			Inputs:  r.Inputs,
			Command: r.Command,
			Shexec:  r.Shexec,
			Atomic:  r.Atomic,
			When:    r.When,
			Job: config.Job{
				Procs:    r.Job.Procs,
				Mem:      r.Job.Mem,
				Walltime: r.Job.Walltime,
				Stack:    r.Job.Stack,
				Name:     r.Job.Name,
				Stdout:   r.Job.Stdout,
				Stderr:   r.Job.Stderr,
			},
		})
	}
	return model, nil
}

// assignments reads a mapping node of scalar values in document order.
func assignments(n *yaml.Node, filename string, isDefault bool) ([]*config.Variable, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s:%d: expected a mapping of variable names to values", filename, n.Line)
	}
	var out []*config.Variable
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%s:%d: variable '%s' must have a scalar value", filename, val.Line, key.Value)
		}
		out = append(out, &config.Variable{
			Name:    key.Value,
			Value:   val.Value,
			Default: isDefault,
			Origin:  filename,
		})
	}
	return out, nil
}

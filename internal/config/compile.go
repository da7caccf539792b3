package config

import (
	"fmt"

	"github.com/vk/rulegridgo/internal/rules"
	"github.com/vk/rulegridgo/internal/template"
)

// Compile parses a rule's templates and conditions.
func (r *Rule) Compile() (*rules.Rule, error) {
	wrap := func(what string, err error) error {
		return fmt.Errorf("rule '%s' (%s): invalid %s: %w", r.Name, r.Origin, what, err)
	}

	out := &rules.Rule{
		Name:   r.Name,
		Origin: r.Origin,
		Target: r.Target,
		Inputs: append([]string(nil), r.Inputs...),
		Shexec: r.Shexec,
		Atomic: !r.Shexec,
		Job: rules.JobSpec{
			Procs:    r.Job.Procs,
			Mem:      r.Job.Mem,
			Walltime: r.Job.Walltime,
			Stack:    r.Job.Stack,
		},
	}
	if r.Atomic != nil {
		out.Atomic = *r.Atomic
	}

	var err error
	if r.Shexec {
		out.Command = template.Raw(r.Command)
	} else if out.Command, err = template.Parse(r.Command); err != nil {
		return nil, wrap("command", err)
	}
	if out.Job.Name, err = template.Parse(r.Job.Name); err != nil {
		return nil, wrap("job name", err)
	}
	if out.Job.Stdout, err = template.Parse(r.Job.Stdout); err != nil {
		return nil, wrap("job stdout", err)
	}
	if out.Job.Stderr, err = template.Parse(r.Job.Stderr); err != nil {
		return nil, wrap("job stderr", err)
	}

	for _, w := range r.When {
		c, err := rules.ParseCondition(w)
		if err != nil {
			return nil, wrap("condition", err)
		}
		out.Conditions = append(out.Conditions, c)
	}
	return out, nil
}

// Register compiles every rule of the model into reg.
func (m *Model) Register(reg *rules.Registry) error {
	for _, r := range m.Rules {
		compiled, err := r.Compile()
		if err != nil {
			return err
		}
		if err := reg.Register(compiled); err != nil {
			return err
		}
	}
	return nil
}

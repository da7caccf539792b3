package config

import "strings"

// Model is the unified, format-agnostic representation of a pipeline.
type Model struct {
	Variables []*Variable
	Rules     []*Rule
	// Required lists variables that must be bound before the run starts.
	Required []string
	// Requires lists executables that must be present on PATH.
	Requires []string
	// Targets are the default final targets when none are requested.
	Targets []string
}

// Variable is a single assignment.
type Variable struct {
	Name  string
	Value string
	// Default assignments never override an existing binding.
	Default bool
	Origin  string
}

// Rule is the format-agnostic representation of a rule block. Target,
// Inputs and Command use the canonical template syntax.
type Rule struct {
	Name    string
	Origin  string
	Target  string
	Inputs  []string
	Command string
	Shexec  bool
	// Atomic is nil when unset; rules are atomic unless they are shexec.
	Atomic *bool
	Job    Job
	// When holds the conditional branch, e.g. "paired" or "!skip_qc".
	When []string
}

// Job holds resource requests and bookkeeping metadata.
type Job struct {
	Procs    int
	Mem      string
	Walltime string
	Stack    string
	Name     string
	Stdout   string
	Stderr   string
}

// Merge appends the contents of others to m, in order.
func (m *Model) Merge(others ...*Model) *Model {
	for _, o := range others {
		if o == nil {
			continue
		}
		m.Variables = append(m.Variables, o.Variables...)
		m.Rules = append(m.Rules, o.Rules...)
		m.Required = appendUnique(m.Required, o.Required...)
		m.Requires = appendUnique(m.Requires, o.Requires...)
		m.Targets = appendUnique(m.Targets, o.Targets...)
	}
	return m
}

// Merge combines models into a new one.
func Merge(models ...*Model) *Model {
	return (&Model{}).Merge(models...)
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}

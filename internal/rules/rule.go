// Package rules implements the pattern rule registry. Rules are registered
// once per conditional branch, activated against the frozen variable store,
// and then matched against concrete target paths.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vk/rulegridgo/internal/template"
	"github.com/vk/rulegridgo/internal/vars"
)

// JobSpec is the resource request and bookkeeping metadata of a rule.
// Empty values mean engine or cluster defaults.
type JobSpec struct {
	Procs    int
	Walltime string
	Mem      string
	Stack    string
	Name     template.Template
	Stdout   template.Template
	Stderr   template.Template
}

// EffectiveProcs returns the process count, defaulting to 1.
func (j JobSpec) EffectiveProcs() int {
	if j.Procs < 1 {
		return 1
	}
	return j.Procs
}

// Rule associates a target pattern with prerequisite patterns and a command.
type Rule struct {
	Name   string
	Origin string

	Target  string
	Inputs  []string
	Command template.Template

	// Shexec marks the command as a raw shell block run with job
	// environment variables instead of template expansion.
	Shexec bool
	// Atomic binds the output reference to a temporary path that is renamed
	// onto the target on success.
	Atomic bool

	Job        JobSpec
	Conditions []Condition
}

// Branch returns the canonical key of the rule's conditional branch.
func (r *Rule) Branch() string {
	return BranchKey(r.Conditions)
}

func (r *Rule) String() string {
	if r.Origin != "" {
		return fmt.Sprintf("%s (%s)", r.Name, r.Origin)
	}
	return r.Name
}

// Condition is a single predicate over a variable.
type Condition struct {
	Variable string
	Negate   bool
	// Value is compared for equality when HasValue is set; otherwise the
	// condition tests truthiness.
	Value    string
	HasValue bool
}

// ParseCondition accepts "name", "!name", "name=value" and "name!=value".
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	var c Condition
	if i := strings.Index(s, "!="); i > 0 {
		c = Condition{Variable: s[:i], Negate: true, Value: s[i+2:], HasValue: true}
	} else if i := strings.Index(s, "="); i > 0 {
		c = Condition{Variable: s[:i], Value: s[i+1:], HasValue: true}
	} else if strings.HasPrefix(s, "!") {
		c = Condition{Variable: s[1:], Negate: true}
	} else {
		c = Condition{Variable: s}
	}
	c.Variable = strings.TrimSpace(c.Variable)
	c.Value = strings.TrimSpace(c.Value)
	if c.Variable == "" || strings.ContainsAny(c.Variable, "!= ") {
		return Condition{}, fmt.Errorf("invalid condition %q", s)
	}
	return c, nil
}

// Holds evaluates the condition. Unbound variables are falsy and never equal
// to any value.
func (c Condition) Holds(lookup func(string) (string, bool)) bool {
	v, ok := lookup(c.Variable)
	var result bool
	if c.HasValue {
		result = ok && v == c.Value
	} else {
		result = ok && vars.Truthy(v)
	}
	return result != c.Negate
}

func (c Condition) String() string {
	switch {
	case c.HasValue && c.Negate:
		return c.Variable + "!=" + c.Value
	case c.HasValue:
		return c.Variable + "=" + c.Value
	case c.Negate:
		return "!" + c.Variable
	}
	return c.Variable
}

// BranchKey returns a stable key for a set of conditions.
func BranchKey(conds []Condition) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, " && ")
}

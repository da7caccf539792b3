package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot is used to decode all top-level blocks from any file.
type fileRoot struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Settings  []*settingsBlock `hcl:"settings,block"`
	Rules     []*ruleBlock     `hcl:"rule,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type variableBlock struct {
	Name        string         `hcl:"name,label"`
	Value       hcl.Expression `hcl:"value,attr"`
	Default     *bool          `hcl:"default,optional"`
	Description string         `hcl:"description,optional"`
}

type settingsBlock struct {
	Required []string       `hcl:"required,optional"`
	Requires []string       `hcl:"requires,optional"`
	Targets  hcl.Expression `hcl:"targets,optional"`
}

type ruleBlock struct {
	Name    string         `hcl:"name,label"`
	Target  hcl.Expression `hcl:"target,attr"`
	Inputs  hcl.Expression `hcl:"inputs,optional"`
	When    []string       `hcl:"when,optional"`
	Shexec  *bool          `hcl:"shexec,optional"`
	Atomic  *bool          `hcl:"atomic,optional"`
	Command hcl.Expression `hcl:"command,attr"`
	Job     *jobBlock      `hcl:"job,block"`
}

type jobBlock struct {
	Procs    *int           `hcl:"procs,optional"`
	Mem      *string        `hcl:"mem,optional"`
	Walltime *string        `hcl:"walltime,optional"`
	Stack    *string        `hcl:"stack,optional"`
	Name     hcl.Expression `hcl:"name,optional"`
	Stdout   hcl.Expression `hcl:"stdout,optional"`
	Stderr   hcl.Expression `hcl:"stderr,optional"`
}

// This file renders HCL template expressions into the canonical template
// syntax understood by the variable store and the rule command parser.

package hcl

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/vk/rulegridgo/internal/vars"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// mode selects which references an expression may use and how they render.
type mode int

const (
	// valueMode renders variable values, patterns and targets. Only var.*
	// references are allowed.
	valueMode mode = iota
	// commandMode renders rule commands and job metadata.
	commandMode
	// shellMode renders shexec bodies. References become the environment
	// variables the job runs with, and literal text is passed through.
	shellMode
)

func (m mode) String() string {
	switch m {
	case valueMode:
		return "value"
	case commandMode:
		return "command"
	case shellMode:
		return "shell"
	}
	return "unknown"
}

type renderer struct {
	mode mode
	// nested counts enclosing conditional fragments.
	nested int
}

// render converts expr to canonical template text.
func render(expr hcl.Expression, m mode) (string, error) {
	r := &renderer{mode: m}
	return r.expr(expr)
}

// renderList converts a tuple expression, or a constant list, element-wise.
func renderList(expr hcl.Expression, m mode) ([]string, error) {
	if tuple, ok := expr.(*hclsyntax.TupleConsExpr); ok {
		out := make([]string, 0, len(tuple.Exprs))
		for _, e := range tuple.Exprs {
			s, err := render(e, m)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}

	if len(expr.Variables()) > 0 {
		return nil, fmt.Errorf("%s: expected a list of strings", expr.Range())
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	if !ty.IsListType() && !ty.IsTupleType() && !ty.IsSetType() {
		return nil, fmt.Errorf("%s: expected a list of strings, got %s", expr.Range(), ty.FriendlyName())
	}
	r := &renderer{mode: m}
	var out []string
	for it := val.ElementIterator(); it.Next(); {
		_, v := it.Element()
		s, err := r.value(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", expr.Range(), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *renderer) expr(e hcl.Expression) (string, error) {
	switch v := e.(type) {
	case *hclsyntax.TemplateExpr:
		var b strings.Builder
		for _, part := range v.Parts {
			s, err := r.expr(part)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case *hclsyntax.TemplateWrapExpr:
		return r.expr(v.Wrapped)
	case *hclsyntax.LiteralValueExpr:
		return r.value(v.Val)
	case *hclsyntax.ScopeTraversalExpr:
		return r.traversal(v.Traversal)
	case *hclsyntax.ConditionalExpr:
		return r.conditional(v)
	}

	// Anything else must be a constant expression such as 4 * 2.
	if len(e.Variables()) > 0 {
		return "", fmt.Errorf("%s: unsupported expression in %s context", e.Range(), r.mode)
	}
	val, diags := e.Value(nil)
	if diags.HasErrors() {
		return "", diags
	}
	return r.value(val)
}

// value renders a constant as escaped literal text.
func (r *renderer) value(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	sv, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("cannot use %s value as text: %w", v.Type().FriendlyName(), err)
	}
	return r.escape(sv.AsString()), nil
}

// escape protects '$' sequences that would otherwise be read as references.
func (r *renderer) escape(s string) string {
	var special string
	switch r.mode {
	case valueMode:
		special = "{$"
	case commandMode:
		special = "{$<^>%}"
	default:
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$' && i+1 < len(s) && strings.IndexByte(special, s[i+1]) >= 0:
			b.WriteString("$$")
		case c == '}' && r.nested > 0:
			b.WriteString("$}")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (r *renderer) traversal(t hcl.Traversal) (string, error) {
	root := t.RootName()
	rest := t[1:]
	rng := t.SourceRange()

	if root == "var" {
		name, err := attrPath(rest)
		if err != nil {
			return "", fmt.Errorf("%s: %w", rng, err)
		}
		if r.mode == shellMode {
			return "${" + vars.EnvName(name) + "}", nil
		}
		return "${" + name + "}", nil
	}

	switch root {
	case "input", "output", "match", "job":
		if r.mode == valueMode {
			return "", fmt.Errorf("%s: '%s' is only available in rule commands", rng, root)
		}
	default:
		return "", fmt.Errorf("%s: unknown reference '%s'", rng, root)
	}

	switch root {
	case "input":
		if len(rest) == 0 {
			return r.pick("$^", "${JOB_INPUTS}"), nil
		}
		idx, ok := rest[0].(hcl.TraverseIndex)
		if !ok || len(rest) > 1 || idx.Key.Type() != cty.Number {
			return "", fmt.Errorf("%s: inputs are referenced as input[N]", rng)
		}
		n, accuracy := idx.Key.AsBigFloat().Int64()
		if accuracy != 0 || n < 0 || n > 8 {
			return "", fmt.Errorf("%s: input index must be an integer between 0 and 8", rng)
		}
		return r.pick(fmt.Sprintf("$<%d", n+1), fmt.Sprintf("${JOB_INPUT_%d}", n+1)), nil
	case "output":
		if len(rest) > 0 {
			return "", fmt.Errorf("%s: 'output' has no attributes", rng)
		}
		return r.pick("$>", "${JOB_OUTPUT}"), nil
	case "match":
		if len(rest) > 0 {
			return "", fmt.Errorf("%s: 'match' has no attributes", rng)
		}
		return r.pick("$%", "${JOB_MATCH}"), nil
	}

	// job.<field>
	name, err := attrPath(rest)
	if err != nil || strings.Contains(name, ".") {
		return "", fmt.Errorf("%s: job fields are referenced as job.<name>", rng)
	}
	return r.pick("${job."+name+"}", "${JOB_"+strings.ToUpper(name)+"}"), nil
}

func (r *renderer) pick(canonical, shell string) string {
	if r.mode == shellMode {
		return shell
	}
	return canonical
}

func (r *renderer) conditional(c *hclsyntax.ConditionalExpr) (string, error) {
	if r.mode != commandMode {
		return "", fmt.Errorf("%s: template conditionals are only supported in templated rule commands", c.SrcRange)
	}
	name, negate, err := conditionVariable(c.Condition)
	if err != nil {
		return "", err
	}

	r.nested++
	whenTrue, err := r.expr(c.TrueResult)
	if err != nil {
		return "", err
	}
	whenFalse, err := r.expr(c.FalseResult)
	if err != nil {
		return "", err
	}
	r.nested--

	pos, neg := "?", "!"
	if negate {
		pos, neg = neg, pos
	}
	var b strings.Builder
	if whenTrue != "" {
		b.WriteString("${" + pos + name + ":" + whenTrue + "}")
	}
	if whenFalse != "" {
		b.WriteString("${" + neg + name + ":" + whenFalse + "}")
	}
	return b.String(), nil
}

// conditionVariable accepts var.x and !var.x.
func conditionVariable(e hcl.Expression) (string, bool, error) {
	switch v := e.(type) {
	case *hclsyntax.UnaryOpExpr:
		if v.Op == hclsyntax.OpLogicalNot {
			name, negate, err := conditionVariable(v.Val)
			return name, !negate, err
		}
	case *hclsyntax.ParenthesesExpr:
		return conditionVariable(v.Expression)
	case *hclsyntax.ScopeTraversalExpr:
		if v.Traversal.RootName() == "var" {
			name, err := attrPath(v.Traversal[1:])
			if err == nil {
				return name, false, nil
			}
		}
	}
	return "", false, fmt.Errorf("%s: template conditions must be var.<name> or !var.<name>", e.Range())
}

// attrPath joins attribute steps into a dotted name.
func attrPath(steps hcl.Traversal) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("missing attribute name")
	}
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		attr, ok := s.(hcl.TraverseAttr)
		if !ok {
			return "", fmt.Errorf("only attribute access is supported in references")
		}
		parts = append(parts, attr.Name)
	}
	return strings.Join(parts, "."), nil
}

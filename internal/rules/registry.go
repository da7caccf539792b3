package rules

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Resolver is the view of the variable store the registry needs.
type Resolver interface {
	Lookup(name string) (string, bool)
	Interpolate(tmpl string) (string, error)
}

// Registry holds every rule keyed by its conditional branch.
type Registry struct {
	mu       sync.RWMutex
	branches map[string][]*Rule
	count    int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{branches: make(map[string][]*Rule)}
}

// Register adds rule to the set of its conditional branch.
func (r *Registry) Register(rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("cannot register nil rule")
	}
	if rule.Name == "" {
		return fmt.Errorf("rule with target %q has no name", rule.Target)
	}
	if _, err := ParsePattern(rule.Target); err != nil {
		return fmt.Errorf("rule '%s' target: %w", rule.Name, err)
	}
	for _, in := range rule.Inputs {
		if _, err := ParsePattern(in); err != nil {
			return fmt.Errorf("rule '%s' input: %w", rule.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := rule.Branch()
	for _, existing := range r.branches[key] {
		if existing.Name == rule.Name {
			return fmt.Errorf("rule '%s' already registered in branch [%s]", rule.Name, key)
		}
	}
	r.branches[key] = append(r.branches[key], rule)
	r.count++
	return nil
}

// Len returns the number of registered rules across all branches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Activate selects the rules whose conditions hold under res and resolves
// variable references in their patterns. Two active rules with the same
// target pattern are rejected immediately.
func (r *Registry) Activate(res Resolver) (*ActiveSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.branches))
	for k := range r.branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := &ActiveSet{}
	byTarget := make(map[string]*activeRule)
	for _, key := range keys {
		for _, rule := range r.branches[key] {
			ok, err := conditionsHold(rule, res)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			ar, err := activate(rule, res)
			if err != nil {
				return nil, err
			}
			if prev, ok := byTarget[ar.target.String()]; ok {
				return nil, &AmbiguousRuleError{Target: ar.target.String(), Rules: []string{prev.rule.String(), rule.String()}}
			}
			byTarget[ar.target.String()] = ar
			if ar.target.IsLiteral() {
				set.literal = append(set.literal, ar)
			} else {
				set.wildcard = append(set.wildcard, ar)
			}
		}
	}
	return set, nil
}

// conditionsHold tests the rule's conditions against interpolated values,
// so "${flag}" sees what the flag expands to.
func conditionsHold(rule *Rule, res Resolver) (bool, error) {
	for _, c := range rule.Conditions {
		raw, bound := res.Lookup(c.Variable)
		v := raw
		if bound {
			var err error
			if v, err = res.Interpolate(raw); err != nil {
				return false, fmt.Errorf("rule '%s' condition '%s': %w", rule.Name, c, err)
			}
		}
		if !c.Holds(func(string) (string, bool) { return v, bound }) {
			return false, nil
		}
	}
	return true, nil
}

func activate(rule *Rule, res Resolver) (*activeRule, error) {
	target, err := res.Interpolate(rule.Target)
	if err != nil {
		return nil, fmt.Errorf("rule '%s' target: %w", rule.Name, err)
	}
	tp, err := ParsePattern(cleanPattern(target))
	if err != nil {
		return nil, fmt.Errorf("rule '%s' target: %w", rule.Name, err)
	}
	ar := &activeRule{rule: rule, target: tp}
	for _, in := range rule.Inputs {
		resolved, err := res.Interpolate(in)
		if err != nil {
			return nil, fmt.Errorf("rule '%s' input: %w", rule.Name, err)
		}
		ip, err := ParsePattern(cleanPattern(resolved))
		if err != nil {
			return nil, fmt.Errorf("rule '%s' input: %w", rule.Name, err)
		}
		ar.inputs = append(ar.inputs, ip)
	}
	return ar, nil
}

// cleanPattern normalises p the way requested paths are. An empty pattern
// stays empty so that it is still rejected.
func cleanPattern(p string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}

type activeRule struct {
	rule   *Rule
	target Pattern
	inputs []Pattern
}

// Match is the result of resolving a concrete target through the active set.
type Match struct {
	Rule    *Rule
	Target  string
	Capture string
	// Inputs are the concrete prerequisite paths.
	Inputs []string
}

// ActiveSet is the immutable rule set of one conditional configuration.
type ActiveSet struct {
	literal  []*activeRule
	wildcard []*activeRule
}

// Len returns the number of active rules.
func (s *ActiveSet) Len() int {
	return len(s.literal) + len(s.wildcard)
}

// Match returns the single rule producing target. Exact literal matches
// take precedence over wildcard matches.
func (s *ActiveSet) Match(target string) (*Match, error) {
	if m, err := matchAmong(s.literal, target); m != nil || err != nil {
		return m, err
	}
	if m, err := matchAmong(s.wildcard, target); m != nil || err != nil {
		return m, err
	}
	return nil, &NoRuleError{Target: target}
}

func matchAmong(candidates []*activeRule, target string) (*Match, error) {
	var found *Match
	var names []string
	for _, ar := range candidates {
		capture, ok := ar.target.Match(target)
		if !ok {
			continue
		}
		names = append(names, ar.rule.String())
		if found != nil {
			continue
		}
		inputs := make([]string, len(ar.inputs))
		for i, in := range ar.inputs {
			inputs[i] = in.Expand(capture)
		}
		found = &Match{Rule: ar.rule, Target: target, Capture: capture, Inputs: inputs}
	}
	if len(names) > 1 {
		return nil, &AmbiguousRuleError{Target: target, Rules: names}
	}
	return found, nil
}

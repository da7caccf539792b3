package rules

import (
	"fmt"
	"strings"
)

// NoRuleError is returned when no active rule produces a target.
type NoRuleError struct {
	Target string
}

func (e *NoRuleError) Error() string {
	return fmt.Sprintf("no rule to make target '%s'", e.Target)
}

// AmbiguousRuleError is returned when more than one active rule could
// produce the same target. It is always a configuration error.
type AmbiguousRuleError struct {
	Target string
	Rules  []string
}

func (e *AmbiguousRuleError) Error() string {
	return fmt.Sprintf("ambiguous rules for target '%s': %s", e.Target, strings.Join(e.Rules, ", "))
}

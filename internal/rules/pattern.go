package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the single wildcard character allowed in a pattern.
const Wildcard = "%"

// ErrInvalidPattern is wrapped by ParsePattern failures.
var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern is a target or prerequisite path, optionally containing one
// wildcard segment.
type Pattern struct {
	raw      string
	prefix   string
	suffix   string
	wildcard bool
}

// ParsePattern validates s and splits it around its wildcard.
func ParsePattern(s string) (Pattern, error) {
	if strings.TrimSpace(s) == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	switch strings.Count(s, Wildcard) {
	case 0:
		return Pattern{raw: s, prefix: s}, nil
	case 1:
		i := strings.Index(s, Wildcard)
		return Pattern{raw: s, prefix: s[:i], suffix: s[i+1:], wildcard: true}, nil
	default:
		return Pattern{}, fmt.Errorf("%w: %q has more than one '%s'", ErrInvalidPattern, s, Wildcard)
	}
}

// MustParsePattern is ParsePattern that panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsLiteral reports whether the pattern has no wildcard.
func (p Pattern) IsLiteral() bool {
	return !p.wildcard
}

// Match reports whether path matches the pattern and returns the captured
// wildcard text. A wildcard never matches the empty string.
func (p Pattern) Match(path string) (string, bool) {
	if !p.wildcard {
		return "", path == p.raw
	}
	if len(path) <= len(p.prefix)+len(p.suffix) {
		return "", false
	}
	if !strings.HasPrefix(path, p.prefix) || !strings.HasSuffix(path, p.suffix) {
		return "", false
	}
	return path[len(p.prefix) : len(path)-len(p.suffix)], true
}

// Expand substitutes capture for the wildcard. Literal patterns are returned
// unchanged.
func (p Pattern) Expand(capture string) string {
	if !p.wildcard {
		return p.raw
	}
	return p.prefix + capture + p.suffix
}

func (p Pattern) String() string {
	return p.raw
}

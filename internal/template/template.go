// Package template parses rule command bodies into typed tokens and expands
// them against concrete job bindings.
//
// Recognised forms:
//
//	${name}         variable (dotted names are flat keys)
//	$< $<N          first / Nth input (1-based)
//	$^              all inputs, space separated
//	$>              output
//	$%              wildcard capture
//	${?name:text}   text when name is truthy
//	${!name:text}   text when name is falsy or unbound
//	$$ $}           literal '$' and '}'
//
// Every other '$' is literal so shell syntax such as $(cmd) and $HOME
// passes through untouched.
package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vk/rulegridgo/internal/vars"
)

// Kind identifies a token type.
type Kind int

const (
	Literal Kind = iota
	Variable
	Input
	AllInputs
	Output
	Match
	Conditional
)

// Token is one element of a parsed template.
type Token struct {
	Kind Kind
	// Text is the literal text or the variable name.
	Text string
	// Index is the 1-based input position for Input tokens.
	Index int
	// Negate inverts a Conditional.
	Negate bool
	// Body is the fragment emitted by a Conditional.
	Body Template
}

// Template is a parsed command body.
type Template struct {
	Tokens []Token
	source string
}

// Bindings are the concrete values a template is expanded against.
type Bindings struct {
	Vars   map[string]string
	Inputs []string
	Output string
	Match  string
}

// Parse tokenizes s.
func Parse(s string) (Template, error) {
	tokens, rest, err := parse(s, false)
	if err != nil {
		return Template{}, err
	}
	if rest != "" {
		return Template{}, fmt.Errorf("unexpected '}' in template %q", s)
	}
	return Template{Tokens: tokens, source: s}, nil
}

// MustParse is Parse that panics on error. Intended for tests and constants.
func MustParse(s string) Template {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Raw returns a template that expands to s verbatim. Shell blocks run with
// environment variables use it so their own ${...} syntax is left alone.
func Raw(s string) Template {
	if s == "" {
		return Template{}
	}
	return Template{Tokens: []Token{{Kind: Literal, Text: s}}, source: s}
}

// parse consumes s until the end or, when nested, an unescaped '}'. It
// returns the remainder starting at that '}'.
func parse(s string, nested bool) ([]Token, string, error) {
	var tokens []Token
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, Token{Kind: Literal, Text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if nested && c == '}' {
			flush()
			return tokens, s[i:], nil
		}
		if c != '$' || i+1 >= len(s) {
			lit.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch next {
		case '$', '}':
			lit.WriteByte(next)
			i++
		case '^':
			flush()
			tokens = append(tokens, Token{Kind: AllInputs})
			i++
		case '>':
			flush()
			tokens = append(tokens, Token{Kind: Output})
			i++
		case '%':
			flush()
			tokens = append(tokens, Token{Kind: Match})
			i++
		case '<':
			flush()
			idx := 1
			if i+2 < len(s) && s[i+2] >= '1' && s[i+2] <= '9' {
				idx = int(s[i+2] - '0')
				i++
			}
			tokens = append(tokens, Token{Kind: Input, Index: idx})
			i++
		case '{':
			flush()
			tok, consumed, err := parseBrace(s[i:])
			if err != nil {
				return nil, "", err
			}
			tokens = append(tokens, tok)
			i += consumed - 1
		default:
			lit.WriteByte(c)
		}
	}
	if nested {
		return nil, "", fmt.Errorf("unterminated conditional fragment")
	}
	flush()
	return tokens, "", nil
}

// parseBrace parses a token starting with "${" and returns it along with the
// number of bytes consumed.
func parseBrace(s string) (Token, int, error) {
	body := s[2:]
	if len(body) > 0 && (body[0] == '?' || body[0] == '!') {
		colon := strings.IndexByte(body, ':')
		if colon < 0 {
			return Token{}, 0, fmt.Errorf("conditional fragment %q missing ':'", truncate(s))
		}
		name := strings.TrimSpace(body[1:colon])
		if name == "" {
			return Token{}, 0, fmt.Errorf("conditional fragment %q missing variable name", truncate(s))
		}
		inner, rest, err := parse(body[colon+1:], true)
		if err != nil {
			return Token{}, 0, fmt.Errorf("in %q: %w", truncate(s), err)
		}
		consumed := len(s) - len(rest) + 1
		return Token{
			Kind:   Conditional,
			Text:   name,
			Negate: body[0] == '!',
			Body:   Template{Tokens: inner, source: body[colon+1 : len(body)-len(rest)]},
		}, consumed, nil
	}

	end := strings.IndexByte(body, '}')
	if end < 0 {
		return Token{}, 0, fmt.Errorf("unterminated variable reference %q", truncate(s))
	}
	name := strings.TrimSpace(body[:end])
	if name == "" {
		return Token{}, 0, fmt.Errorf("empty variable reference")
	}
	return Token{Kind: Variable, Text: name}, end + 3, nil
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// String returns the source the template was parsed from.
func (t Template) String() string {
	return t.source
}

// IsEmpty reports whether the template has no tokens.
func (t Template) IsEmpty() bool {
	return len(t.Tokens) == 0
}

// Variables returns the sorted, de-duplicated variable names referenced by
// the template, including conditional fragments.
func (t Template) Variables() []string {
	seen := make(map[string]struct{})
	t.collect(seen)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t Template) collect(seen map[string]struct{}) {
	for _, tok := range t.Tokens {
		switch tok.Kind {
		case Variable:
			seen[tok.Text] = struct{}{}
		case Conditional:
			seen[tok.Text] = struct{}{}
			tok.Body.collect(seen)
		}
	}
}

// Expand renders the template. It is a pure function of the template and
// the bindings.
func (t Template) Expand(b Bindings) (string, error) {
	var out strings.Builder
	if err := t.expand(&out, b); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (t Template) expand(out *strings.Builder, b Bindings) error {
	for _, tok := range t.Tokens {
		switch tok.Kind {
		case Literal:
			out.WriteString(tok.Text)
		case Variable:
			v, ok := b.Vars[tok.Text]
			if !ok {
				return &MissingVariableError{Name: tok.Text}
			}
			out.WriteString(v)
		case Input:
			if tok.Index < 1 || tok.Index > len(b.Inputs) {
				return fmt.Errorf("input $<%d out of range: job has %d input(s)", tok.Index, len(b.Inputs))
			}
			out.WriteString(b.Inputs[tok.Index-1])
		case AllInputs:
			out.WriteString(strings.Join(b.Inputs, " "))
		case Output:
			out.WriteString(b.Output)
		case Match:
			out.WriteString(b.Match)
		case Conditional:
			if vars.Truthy(b.Vars[tok.Text]) != tok.Negate {
				if err := tok.Body.expand(out, b); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// MissingVariableError is returned by Expand for a variable absent from the
// bindings.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return "variable '" + e.Name + "' is not bound"
}

func (k Kind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Variable:
		return "variable"
	case Input:
		return "input"
	case AllInputs:
		return "all-inputs"
	case Output:
		return "output"
	case Match:
		return "match"
	case Conditional:
		return "conditional"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

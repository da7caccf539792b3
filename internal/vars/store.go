// Package vars holds the run-wide variable bindings. A Store is populated
// once at startup, frozen, and then shared read-only by every job.
package vars

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// maxDepth is the number of substitution passes; values are re-scanned once.
const maxDepth = 2

// CommandRunner executes a command substitution and returns its stdout.
type CommandRunner func(ctx context.Context, command string) (string, error)

// Store is a concurrency-safe variable table.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	frozen bool
	runCmd CommandRunner
}

// Option configures a Store.
type Option func(*Store)

// WithCommandRunner replaces the runner used for $(...) substitution.
func WithCommandRunner(r CommandRunner) Option {
	return func(s *Store) { s.runCmd = r }
}

// WithShell makes $(...) substitution run through the given shell.
func WithShell(shell string) Option {
	return func(s *Store) { s.runCmd = ShellRunner(shell) }
}

// New creates an empty Store. Command substitution uses /bin/sh unless
// overridden.
func New(opts ...Option) *Store {
	s := &Store{
		values: make(map[string]string),
		runCmd: ShellRunner("/bin/sh"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShellRunner returns a CommandRunner that runs `shell -c command` and
// returns its trimmed stdout.
func ShellRunner(shell string) CommandRunner {
	return func(ctx context.Context, command string) (string, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, shell, "-c", command)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("command %q failed: %w: %s", command, err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimRight(stdout.String(), "\r\n"), nil
	}
}

// Set binds name to value, overwriting any previous binding.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return fmt.Errorf("cannot set '%s': %w", name, ErrFrozen)
	}
	s.values[name] = value
	return nil
}

// SetDefault binds name only if it is currently unbound. It reports whether
// the value was written.
func (s *Store) SetDefault(name, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return false, fmt.Errorf("cannot set default for '%s': %w", name, ErrFrozen)
	}
	if _, ok := s.values[name]; ok {
		return false, nil
	}
	s.values[name] = value
	return true, nil
}

// Get returns the raw, uninterpolated value of name.
func (s *Store) Get(name string) (string, error) {
	v, ok := s.Lookup(name)
	if !ok {
		return "", &UnboundVariableError{Name: name}
	}
	return v, nil
}

// Lookup is like Get but reports absence instead of failing.
func (s *Store) Lookup(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Resolve returns the fully interpolated value of name.
func (s *Store) Resolve(name string) (string, error) {
	raw, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return s.interpolate(context.Background(), raw, 1)
}

// Names returns a sorted snapshot of all bound names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze makes the store read-only.
func (s *Store) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Frozen reports whether Freeze was called.
func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Interpolate expands ${name} references and $(command) substitutions in
// tmpl. Substituted values are scanned for references one more time.
func (s *Store) Interpolate(tmpl string) (string, error) {
	return s.InterpolateContext(context.Background(), tmpl)
}

// InterpolateContext is Interpolate with a context for command substitution.
func (s *Store) InterpolateContext(ctx context.Context, tmpl string) (string, error) {
	return s.interpolate(ctx, tmpl, 0)
}

func (s *Store) interpolate(ctx context.Context, tmpl string, depth int) (string, error) {
	var out strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '$' || i+1 >= len(tmpl) {
			out.WriteByte(c)
			continue
		}
		switch tmpl[i+1] {
		case '$':
			out.WriteByte('$')
			i++
		case '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				return "", &InterpolationError{Template: tmpl, Err: errors.New("unterminated '${'")}
			}
			name := strings.TrimSpace(tmpl[i+2 : i+2+end])
			if name == "" {
				return "", &InterpolationError{Template: tmpl, Err: errors.New("empty variable reference")}
			}
			val, err := s.substitute(ctx, tmpl, name, depth)
			if err != nil {
				return "", err
			}
			out.WriteString(val)
			i += 2 + end
		case '(':
			end := matchingParen(tmpl, i+1)
			if end < 0 {
				return "", &InterpolationError{Template: tmpl, Err: errors.New("unterminated '$('")}
			}
			command, err := s.interpolate(ctx, tmpl[i+2:end], depth)
			if err != nil {
				return "", err
			}
			val, err := s.runCmd(ctx, command)
			if err != nil {
				return "", &InterpolationError{Template: tmpl, Err: err}
			}
			out.WriteString(val)
			i = end
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), nil
}

func (s *Store) substitute(ctx context.Context, tmpl, name string, depth int) (string, error) {
	raw, ok := s.Lookup(name)
	if !ok {
		return "", &InterpolationError{Template: tmpl, Name: name, Err: &UnboundVariableError{Name: name}}
	}
	if depth+1 >= maxDepth {
		if strings.Contains(strings.ReplaceAll(raw, "$$", ""), "${") {
			return "", &InterpolationError{Template: tmpl, Name: name, Err: errors.New("too many levels of indirection")}
		}
		return s.interpolateLiteral(raw), nil
	}
	return s.interpolate(ctx, raw, depth+1)
}

// interpolateLiteral collapses escapes in a value that holds no references.
func (s *Store) interpolateLiteral(v string) string {
	return strings.ReplaceAll(v, "$$", "$")
}

// matchingParen returns the index of the ')' closing the '(' at open.
func matchingParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Truthy reports whether a variable value enables a conditional branch.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// EnvName converts a variable name to the environment variable shell blocks
// receive it as, e.g. genome.dir becomes VAR_GENOME_DIR.
func EnvName(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return "VAR_" + strings.ToUpper(r.Replace(name))
}

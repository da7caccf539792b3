// Package preflight verifies that the external tools a workflow declares are
// installed before any job is scheduled.
package preflight

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/exascience/pargo/parallel"
	"github.com/vk/rulegridgo/internal/ctxlog"
)

// LookPath resolves an executable name. exec.LookPath is the default.
type LookPath func(file string) (string, error)

// MissingExecutableError lists every executable that could not be found.
type MissingExecutableError struct {
	Names []string
}

func (e *MissingExecutableError) Error() string {
	return fmt.Sprintf("required executable(s) not found in PATH: %s", strings.Join(e.Names, ", "))
}

// Check resolves all executables in parallel. Duplicates and empty names are
// ignored.
func Check(ctx context.Context, executables []string, lookPath LookPath) error {
	logger := ctxlog.FromContext(ctx)
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	names := unique(executables)
	if len(names) == 0 {
		return nil
	}
	logger.Debug("Preflight: resolving executables.", "count", len(names))

	resolved := make([]string, len(names))
	errs := make([]error, len(names))
	parallel.Range(0, len(names), 0, func(low, high int) {
		for i := low; i < high; i++ {
			resolved[i], errs[i] = lookPath(names[i])
		}
	})

	var missing []string
	for i, name := range names {
		if errs[i] != nil {
			missing = append(missing, name)
			continue
		}
		logger.Debug("Preflight: executable found.", "name", name, "path", resolved[i])
	}
	if len(missing) > 0 {
		return &MissingExecutableError{Names: missing}
	}
	return ctx.Err()
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

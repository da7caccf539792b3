// Package testutil provides a harness for end-to-end pipeline tests: a
// temporary workspace holding pipeline and source files, and a runner that
// drives a full app.App over it while capturing logs.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/rulegridgo/internal/app"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Workspace is a temporary directory with a pipeline and its sources. Every
// run binds the variable "dir" to the workspace path, so pipelines address
// files as ${dir}/name.
type Workspace struct {
	t      *testing.T
	Dir    string
	LogDir string
}

// HarnessResult holds the outcomes of a pipeline run.
type HarnessResult struct {
	Output string
	Err    error
	App    *app.App
}

// NewWorkspace writes files, keyed by relative path, into a fresh directory.
func NewWorkspace(t *testing.T, files map[string]string) *Workspace {
	t.Helper()
	root := t.TempDir()
	w := &Workspace{t: t, Dir: filepath.Join(root, "work"), LogDir: filepath.Join(root, "logs")}
	require.NoError(t, os.MkdirAll(w.Dir, 0o755))
	for name, content := range files {
		w.Write(name, content)
	}
	return w
}

// Path returns the absolute path of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Write creates or replaces a workspace file.
func (w *Workspace) Write(name, content string) {
	w.t.Helper()
	path := w.Path(name)
	require.NoError(w.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(w.t, os.WriteFile(path, []byte(content), 0o644))
}

// Read returns the content of a workspace file.
func (w *Workspace) Read(name string) string {
	w.t.Helper()
	b, err := os.ReadFile(w.Path(name))
	require.NoError(w.t, err)
	return string(b)
}

// Exists reports whether a workspace file exists.
func (w *Workspace) Exists(name string) bool {
	_, err := os.Stat(w.Path(name))
	return err == nil
}

// Run loads every pipeline file in the workspace and runs it. mutate may
// adjust the configuration before validation.
func (w *Workspace) Run(mutate func(*app.Config)) *HarnessResult {
	w.t.Helper()
	return w.RunWithContext(context.Background(), mutate)
}

// RunWithContext is Run with a caller-provided context.
func (w *Workspace) RunWithContext(ctx context.Context, mutate func(*app.Config)) *HarnessResult {
	w.t.Helper()

	cfg := app.Config{
		Paths:     []string{w.Dir},
		Sets:      []string{"dir=" + w.Dir},
		MaxProcs:  4,
		LogDir:    w.LogDir,
		LogLevel:  "debug",
		LogFormat: "text",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	validated, err := app.NewConfig(cfg)
	if err != nil {
		return &HarnessResult{Err: err}
	}

	out := &SafeBuffer{}
	a := app.NewApp(out, validated)

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("application run panicked | %v", r)
			}
		}()
		runErr = a.Run(ctx)
	}()

	if os.Getenv("RGGO_TEST_LOGS") == "true" {
		w.t.Logf("--- APPLICATION OUTPUT ---\n%s", out.String())
	}
	return &HarnessResult{Output: out.String(), Err: runErr, App: a}
}

package preflight

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/rulegridgo/internal/ctxlog"
)

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fakeLookPath(installed ...string) (LookPath, *atomic.Int32) {
	var calls atomic.Int32
	set := make(map[string]bool)
	for _, n := range installed {
		set[n] = true
	}
	return func(file string) (string, error) {
		calls.Add(1)
		if set[file] {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}, &calls
}

func TestCheck(t *testing.T) {
	t.Run("all present", func(t *testing.T) {
		lookPath, calls := fakeLookPath("STAR", "samtools")

		err := Check(testContext(), []string{"samtools", "STAR", "samtools", ""}, lookPath)

		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load(), "duplicates and empty names are skipped")
	})

	t.Run("missing executables are all reported", func(t *testing.T) {
		lookPath, _ := fakeLookPath("samtools")

		err := Check(testContext(), []string{"STAR", "samtools", "fastqc"}, lookPath)

		var missing *MissingExecutableError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, []string{"STAR", "fastqc"}, missing.Names)
		assert.EqualError(t, err, "required executable(s) not found in PATH: STAR, fastqc")
	})

	t.Run("nothing to check", func(t *testing.T) {
		require.NoError(t, Check(testContext(), nil, nil))
	})

	t.Run("real lookup", func(t *testing.T) {
		require.NoError(t, Check(testContext(), []string{"sh"}, nil))
	})
}

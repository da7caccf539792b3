package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/node"
	"github.com/vk/rulegridgo/internal/rules"
	"github.com/vk/rulegridgo/internal/template"
	"github.com/vk/rulegridgo/internal/vars"
)

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// newJob builds a single-input job writing dir/<capture>.out.
func newJob(t *testing.T, dir string, rule *rules.Rule) *node.Job {
	t.Helper()
	in := filepath.Join(dir, "sample.txt")
	require.NoError(t, os.WriteFile(in, []byte("payload\n"), 0o644))
	return node.NewJob("j0001", rule, "sample", []string{in}, filepath.Join(dir, "out", "sample.out"))
}

func newExecutor(t *testing.T, store *vars.Store, opts Options) *Executor {
	t.Helper()
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(t.TempDir(), "logs")
	}
	if opts.RunID == "" {
		opts.RunID = "run-1"
	}
	return New(store, opts)
}

func TestExecute_AtomicSuccess(t *testing.T) {
	// --- Arrange ---
	dir := t.TempDir()
	store := vars.New()
	require.NoError(t, store.Set("suffix", "done"))
	rule := &rules.Rule{
		Name:    "copy",
		Target:  "%.out",
		Command: template.MustParse("cat $< > $> && echo ${suffix} >> $> && echo building $%"),
		Atomic:  true,
	}
	job := newJob(t, dir, rule)
	ledger := NewLedger(filepath.Join(dir, "jobs.yaml"))
	exec := newExecutor(t, store, Options{Ledger: ledger})

	// --- Act ---
	res, err := exec.Execute(testContext(), job)

	// --- Assert ---
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.ExitCode)

	data, err := os.ReadFile(job.Output)
	require.NoError(t, err)
	assert.Equal(t, "payload\ndone\n", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, "out", ".sample.out.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporary output should be renamed")

	stdout, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "building sample\n", string(stdout))
	assert.Equal(t, filepath.Join(exec.RunDir(), "copy.sample.j0001.stdout"), res.StdoutPath)

	entries, err := ReadLedger(ledger.Path())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "j0001", entries[0].JobID)
	assert.True(t, entries[0].Succeeded)
	assert.Contains(t, entries[0].Command, filepath.Join(dir, "out", ".sample.out.tmp.j0001"))
}

func TestExecute_Failures(t *testing.T) {
	testCases := []struct {
		name       string
		command    string
		atomic     bool
		wantExit   int
		wantReason string
	}{
		{name: "nonzero exit", command: "echo broken >&2; exit 3", wantExit: 3, wantReason: "exit status 3"},
		{name: "output not created", command: "true", wantExit: 0, wantReason: "was not created"},
		{name: "atomic partial output discarded", command: "echo partial > $>; exit 1", atomic: true, wantExit: 1, wantReason: "exit status 1"},
		{name: "partial output discarded", command: "echo partial > $>; exit 2", wantExit: 2, wantReason: "exit status 2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			dir := t.TempDir()
			rule := &rules.Rule{Name: "fail", Target: "%.out", Command: template.MustParse(tc.command), Atomic: tc.atomic}
			job := newJob(t, dir, rule)
			exec := newExecutor(t, vars.New(), Options{})

			// --- Act ---
			res, err := exec.Execute(testContext(), job)

			// --- Assert ---
			require.Error(t, err)
			var jerr *JobExecutionError
			require.ErrorAs(t, err, &jerr)
			assert.Equal(t, "j0001", jerr.JobID)
			assert.Equal(t, tc.wantExit, jerr.ExitCode)
			assert.Contains(t, jerr.Reason, tc.wantReason)
			assert.Contains(t, err.Error(), jerr.Stderr)
			require.NotNil(t, res)

			_, statErr := os.Stat(job.Output)
			assert.True(t, os.IsNotExist(statErr), "failed job must not leave its output behind")
			leftovers, _ := filepath.Glob(filepath.Join(dir, "out", ".sample.out.tmp.*"))
			assert.Empty(t, leftovers)
		})
	}
}

func TestExecute_FailureKeepsUntouchedOutput(t *testing.T) {
	testCases := []struct {
		name     string
		command  string
		wantKept bool
	}{
		{name: "job never wrote it", command: "exit 1", wantKept: true},
		{name: "job appended to it", command: "echo partial >> $>; exit 1", wantKept: false},
		{name: "job replaced it", command: "echo previous > $>.new && mv $>.new $>; exit 1", wantKept: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			dir := t.TempDir()
			rule := &rules.Rule{Name: "fail", Target: "%.out", Command: template.MustParse(tc.command)}
			job := newJob(t, dir, rule)
			require.NoError(t, os.MkdirAll(filepath.Dir(job.Output), 0o755))
			// Written in the same second the job starts.
			require.NoError(t, os.WriteFile(job.Output, []byte("previous\n"), 0o644))
			exec := newExecutor(t, vars.New(), Options{})

			// --- Act ---
			_, err := exec.Execute(testContext(), job)

			// --- Assert ---
			require.Error(t, err)
			data, readErr := os.ReadFile(job.Output)
			if tc.wantKept {
				require.NoError(t, readErr)
				assert.Equal(t, "previous\n", string(data))
			} else {
				assert.True(t, os.IsNotExist(readErr), "modified output must be removed")
			}
		})
	}
}

func TestExecute_StderrIsCaptured(t *testing.T) {
	dir := t.TempDir()
	rule := &rules.Rule{Name: "noisy", Target: "%.out", Command: template.MustParse("echo oops >&2; exit 1")}
	job := newJob(t, dir, rule)
	exec := newExecutor(t, vars.New(), Options{})

	_, err := exec.Execute(testContext(), job)

	var jerr *JobExecutionError
	require.ErrorAs(t, err, &jerr)
	data, readErr := os.ReadFile(jerr.Stderr)
	require.NoError(t, readErr)
	assert.Equal(t, "oops\n", string(data))
}

func TestExecute_CancellationKillsProcessGroup(t *testing.T) {
	// --- Arrange ---
	dir := t.TempDir()
	rule := &rules.Rule{
		Name:    "slow",
		Target:  "%.out",
		Command: template.MustParse("echo started > $>; sleep 30 & wait"),
	}
	job := newJob(t, dir, rule)
	exec := newExecutor(t, vars.New(), Options{KillGrace: 500 * time.Millisecond})

	ctx, cancel := context.WithCancel(testContext())
	time.AfterFunc(200*time.Millisecond, cancel)

	// --- Act ---
	start := time.Now()
	_, err := exec.Execute(ctx, job)

	// --- Assert ---
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "expected cancellation, got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
	_, statErr := os.Stat(job.Output)
	assert.True(t, os.IsNotExist(statErr), "killed job must not leave its output behind")
}

func TestExecute_WalltimeExceeded(t *testing.T) {
	dir := t.TempDir()
	rule := &rules.Rule{
		Name:    "slow",
		Target:  "%.out",
		Command: template.MustParse("sleep 30; touch $>"),
		Job:     rules.JobSpec{Walltime: "300ms"},
	}
	job := newJob(t, dir, rule)
	exec := newExecutor(t, vars.New(), Options{KillGrace: 500 * time.Millisecond})

	_, err := exec.Execute(testContext(), job)

	var jerr *JobExecutionError
	require.ErrorAs(t, err, &jerr)
	assert.Contains(t, jerr.Reason, "walltime 300ms exceeded")
	assert.False(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecute_ShexecEnvironment(t *testing.T) {
	// --- Arrange ---
	dir := t.TempDir()
	store := vars.New()
	require.NoError(t, store.Set("genome.dir", "/ref/hg38"))
	rule := &rules.Rule{
		Name:    "script",
		Target:  "%.out",
		Shexec:  true,
		Atomic:  true,
		Command: template.Raw(`printf '%s %s %s %s\n' "${VAR_GENOME_DIR}" "$JOB_INPUT_1" "$JOB_MATCH" "$JOB_PROCS" > "$JOB_OUTPUT"`),
		Job:     rules.JobSpec{Procs: 2},
	}
	job := newJob(t, dir, rule)
	exec := newExecutor(t, store, Options{})

	// --- Act ---
	_, err := exec.Execute(testContext(), job)

	// --- Assert ---
	require.NoError(t, err)
	data, err := os.ReadFile(job.Output)
	require.NoError(t, err)
	assert.Equal(t, "/ref/hg38 "+job.Inputs[0]+" sample 2\n", string(data))
}

func TestPrepare(t *testing.T) {
	t.Run("job metadata templates", func(t *testing.T) {
		store := vars.New()
		require.NoError(t, store.Set("project", "rnaseq"))
		rule := &rules.Rule{
			Name:    "align",
			Target:  "%.bam",
			Command: template.MustParse("STAR --runThreadN ${job.procs} ${?paired:--paired} > $>"),
			Job: rules.JobSpec{
				Procs:  8,
				Mem:    "16G",
				Name:   template.MustParse("${project}/$%"),
				Stdout: template.MustParse("/logs/${job.name}.out"),
			},
		}
		job := node.NewJob("j0002", rule, "s1", []string{"s1.fq"}, "s1.bam")
		exec := newExecutor(t, store, Options{})

		inv, err := exec.Prepare(testContext(), job)

		require.NoError(t, err)
		assert.Equal(t, "STAR --runThreadN 8  > s1.bam", inv.Script)
		assert.Equal(t, "rnaseq_s1", inv.JobName)
		assert.Equal(t, "/logs/rnaseq_s1.out", inv.Stdout)
		assert.Equal(t, filepath.Join(exec.RunDir(), "rnaseq_s1.j0002.stderr"), inv.Stderr)
		assert.Equal(t, "16G", inv.Mem)
		assert.Contains(t, inv.Env, "JOB_INPUT_1=s1.fq")
	})

	t.Run("unbound variable", func(t *testing.T) {
		rule := &rules.Rule{Name: "align", Target: "%.bam", Command: template.MustParse("STAR ${genome} > $>")}
		job := node.NewJob("j0003", rule, "s1", []string{"s1.fq"}, "s1.bam")
		exec := newExecutor(t, vars.New(), Options{})

		_, err := exec.Prepare(testContext(), job)

		var ierr *vars.InterpolationError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "genome", ierr.Name)
	})

	t.Run("expand has no side effects", func(t *testing.T) {
		dir := t.TempDir()
		rule := &rules.Rule{Name: "touch", Target: "%.out", Command: template.MustParse("touch $>"), Atomic: true}
		job := node.NewJob("j0004", rule, "x", nil, filepath.Join(dir, "x.out"))
		exec := newExecutor(t, vars.New(), Options{LogDir: filepath.Join(dir, "logs")})

		cmd, err := exec.Expand(testContext(), job)

		require.NoError(t, err)
		assert.Equal(t, "touch "+filepath.Join(dir, ".x.out.tmp.j0004"), cmd)
		entries, _ := os.ReadDir(dir)
		assert.Empty(t, entries)
	})
}

func TestSlurmArgs(t *testing.T) {
	inv := &Invocation{
		JobName:  "align.s1",
		Script:   "STAR > s1.bam",
		Stdout:   "logs/a.stdout",
		Stderr:   "logs/a.stderr",
		Procs:    4,
		Mem:      "8G",
		Walltime: "02:00:00",
		Timeout:  2 * time.Hour,
		Stack:    "unlimited",
	}
	s := Slurm{ExtraArgs: []string{"--partition=short"}}

	args := s.Args(inv)

	assert.Equal(t, []string{
		"--wait",
		"--parsable",
		"--job-name=align.s1",
		"--cpus-per-task=4",
		"--output=logs/a.stdout",
		"--error=logs/a.stderr",
		"--mem=8G",
		"--time=02:00:00",
		"--partition=short",
		"--wrap=ulimit -s unlimited || exit 1\nSTAR > s1.bam",
	}, args)
	assert.Equal(t, "sbatch", s.Binary())
	assert.True(t, s.EnforcesWalltime())

	out, errPath := s.ProcessLogs(inv)
	assert.Equal(t, "logs/a.stdout.sbatch", out)
	assert.Equal(t, "logs/a.stderr.sbatch", errPath)
}

func TestSlurmArgs_NormalisesWalltime(t *testing.T) {
	testCases := []struct {
		walltime string
		want     string
	}{
		{walltime: "90m", want: "--time=01:30:00"},
		{walltime: "2h", want: "--time=02:00:00"},
		{walltime: "45", want: "--time=00:45:00"},
		{walltime: "1-02:00:00", want: "--time=1-02:00:00"},
		{walltime: "36h30m", want: "--time=1-12:30:00"},
	}
	for _, tc := range testCases {
		t.Run(tc.walltime, func(t *testing.T) {
			// --- Arrange ---
			dir := t.TempDir()
			rule := &rules.Rule{Name: "align", Target: "%.out", Command: template.MustParse("touch $>"), Job: rules.JobSpec{Walltime: tc.walltime}}
			exec := newExecutor(t, vars.New(), Options{Backend: Slurm{}})
			inv, err := exec.Prepare(testContext(), newJob(t, dir, rule))
			require.NoError(t, err)

			// --- Act ---
			args := Slurm{}.Args(inv)

			// --- Assert ---
			assert.Contains(t, args, tc.want)
			assert.Equal(t, tc.walltime, inv.Walltime, "the raw value is still exported to the job")
		})
	}
}

func TestFormatWalltime(t *testing.T) {
	assert.Equal(t, "00:00:01", FormatWalltime(300*time.Millisecond))
	assert.Equal(t, "00:01:30", FormatWalltime(90*time.Second))
	assert.Equal(t, "23:59:59", FormatWalltime(24*time.Hour-time.Second))
	assert.Equal(t, "2-00:00:00", FormatWalltime(48*time.Hour))
}

// writeScript creates an executable shell script named name in dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestSlurm_CancelledRunCancelsClusterJob(t *testing.T) {
	// --- Arrange ---
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.Mkdir(bin, 0o755))
	record := filepath.Join(dir, "scancel.args")
	writeScript(t, bin, "sbatch", "echo '4242;cluster1'\nexec sleep 30\n")
	writeScript(t, bin, "scancel", "echo \"$@\" > '"+record+"'\n")
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	rule := &rules.Rule{Name: "align", Target: "%.out", Command: template.MustParse("touch $>"), Atomic: true}
	job := newJob(t, dir, rule)
	exec := newExecutor(t, vars.New(), Options{Backend: Slurm{}, KillGrace: 500 * time.Millisecond})

	ctx, cancel := context.WithCancel(testContext())
	time.AfterFunc(300*time.Millisecond, cancel)

	// --- Act ---
	start := time.Now()
	_, err := exec.Execute(ctx, job)

	// --- Assert ---
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
	data, readErr := os.ReadFile(record)
	require.NoError(t, readErr, "scancel was not called")
	assert.Equal(t, "4242\n", string(data))
	leftovers, _ := filepath.Glob(filepath.Join(dir, "out", ".sample.out.tmp.*"))
	assert.Empty(t, leftovers)
}

func TestBackendCancel(t *testing.T) {
	t.Run("local is a no-op", func(t *testing.T) {
		assert.NoError(t, Local{}.Cancel(testContext(), &Invocation{}))
	})

	t.Run("slurm without a submitted job", func(t *testing.T) {
		dir := t.TempDir()
		inv := &Invocation{Stdout: filepath.Join(dir, "a.stdout")}

		err := Slurm{Scancel: "true"}.Cancel(testContext(), inv)
		assert.ErrorContains(t, err, "cannot read slurm job id")

		require.NoError(t, os.WriteFile(inv.Stdout+".sbatch", nil, 0o644))
		err = Slurm{Scancel: "true"}.Cancel(testContext(), inv)
		assert.ErrorContains(t, err, "no slurm job id")
	})
}

func TestLocalStackLimit(t *testing.T) {
	cmd := Local{}.Command(&Invocation{Script: "echo hi", Stack: "8192"})
	assert.Equal(t, []string{"/bin/sh", "-c", "ulimit -s 8192 || exit 1\necho hi"}, cmd.Args)
}

func TestParseWalltime(t *testing.T) {
	testCases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "90s", want: 90 * time.Second},
		{in: "01:30:00", want: 90 * time.Minute},
		{in: "45:10", want: 45*time.Minute + 10*time.Second},
		{in: "30", want: 30 * time.Minute},
		{in: "2-00:00:00", want: 48 * time.Hour},
		{in: "1:2:3:4", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseWalltime(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLedger_AppendsDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "jobs.yaml")
	l := NewLedger(path)

	require.NoError(t, l.Record(LedgerEntry{JobID: "j0001", Succeeded: true, MaxRSSKB: 2048}))
	require.NoError(t, l.Record(LedgerEntry{JobID: "j0002", Error: "exit status 1"}))

	entries, err := ReadLedger(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2048), entries[0].MaxRSSKB)
	assert.Equal(t, "exit status 1", entries[1].Error)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "---\n"))
}

package integrationtests

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/rulegridgo/internal/app"
	"github.com/vk/rulegridgo/internal/dag"
	"github.com/vk/rulegridgo/internal/node"
	"github.com/vk/rulegridgo/internal/rules"
	"github.com/vk/rulegridgo/internal/testutil"
)

func targets(ts ...string) func(*app.Config) {
	return func(c *app.Config) { c.Targets = ts }
}

func TestPipeline_SharedPrerequisiteRunsOnce(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ws := testutil.NewWorkspace(t, map[string]string{
		"seed.txt": "seed\n",
		"main.hcl": `
rule "base" {
  target  = "${var.dir}/shared.base"
  inputs  = ["${var.dir}/seed.txt"]
  command = "echo base >> ${var.dir}/runs.log && cp ${input[0]} ${output}"
}

rule "branch" {
  target  = "${var.dir}/%.mid"
  inputs  = ["${var.dir}/shared.base"]
  command = "echo ${match} >> ${var.dir}/runs.log && cat ${input} > ${output}"
}

rule "join" {
  target  = "${var.dir}/top.out"
  inputs  = ["${var.dir}/left.mid", "${var.dir}/right.mid"]
  command = "cat ${input} > ${output}"
}
`,
	})

	// --- Act ---
	result := ws.Run(targets("${dir}/top.out"))

	// --- Assert ---
	require.NoError(t, result.Err)
	assert.Equal(t, "seed\nseed\n", ws.Read("top.out"))

	runs := strings.Fields(ws.Read("runs.log"))
	sort.Strings(runs)
	assert.Equal(t, []string{"base", "left", "right"}, runs)
	assert.Equal(t, 4, result.App.Report().Succeeded)
}

func TestPipeline_RespectsProcessBudget(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// Each job asks for the whole budget, so no two may overlap.
	ws := testutil.NewWorkspace(t, map[string]string{
		"main.hcl": `
rule "span" {
  target  = "${var.dir}/%.span"
  command = "date +%s%N > ${output} && sleep 0.2 && date +%s%N >> ${output}"
  job {
    procs = 2
  }
}
`,
	})

	// --- Act ---
	result := ws.Run(func(c *app.Config) {
		c.MaxProcs = 2
		c.Targets = []string{"${dir}/a.span", "${dir}/b.span", "${dir}/c.span"}
	})

	// --- Assert ---
	require.NoError(t, result.Err)

	type span struct{ start, end int64 }
	var spans []span
	for _, name := range []string{"a.span", "b.span", "c.span"} {
		fields := strings.Fields(ws.Read(name))
		require.Len(t, fields, 2)
		start, err := strconv.ParseInt(fields[0], 10, 64)
		require.NoError(t, err)
		end, err := strconv.ParseInt(fields[1], 10, 64)
		require.NoError(t, err)
		spans = append(spans, span{start, end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		assert.GreaterOrEqual(t, spans[i].start, spans[i-1].end, "jobs overlapped")
	}
}

func TestPipeline_OversizedJobIsRejected(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ws := testutil.NewWorkspace(t, map[string]string{
		"main.hcl": `
rule "big" {
  target  = "${var.dir}/big.out"
  command = "touch ${output}"
  job {
    procs = 8
  }
}
`,
	})

	// --- Act ---
	result := ws.Run(func(c *app.Config) {
		c.MaxProcs = 2
		c.Targets = []string{"${dir}/big.out"}
	})

	// --- Assert ---
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "big.out")
	assert.False(t, ws.Exists("big.out"))
}

func TestPipeline_ConditionalRules(t *testing.T) {
	const pipeline = `
variable "fast" {
  value   = "false"
  default = true
}

rule "fast" {
  target  = "${var.dir}/%.out"
  when    = ["fast"]
  command = "echo fast > ${output}"
}

rule "slow" {
  target  = "${var.dir}/%.out"
  when    = ["!fast"]
  command = "echo slow > ${output}"
}
`
	testCases := []struct {
		name string
		sets []string
		want string
	}{
		{name: "default branch", want: "slow\n"},
		{name: "flag enabled", sets: []string{"fast=true"}, want: "fast\n"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			ws := testutil.NewWorkspace(t, map[string]string{"main.hcl": pipeline})

			// --- Act ---
			result := ws.Run(func(c *app.Config) {
				c.Sets = append(c.Sets, tc.sets...)
				c.Targets = []string{"${dir}/x.out"}
			})

			// --- Assert ---
			require.NoError(t, result.Err)
			assert.Equal(t, tc.want, ws.Read("x.out"))
		})
	}
}

func TestPipeline_RuleSelection(t *testing.T) {
	const pipeline = `
rule "generic" {
  target  = "${var.dir}/%.out"
  command = "echo generic > ${output}"
}

rule "prefixed" {
  target  = "${var.dir}/x%.out"
  command = "echo prefixed > ${output}"
}

rule "special" {
  target  = "${var.dir}/special.out"
  command = "echo special > ${output}"
}
`
	t.Run("literal rule wins over patterns", func(t *testing.T) {
		t.Parallel()
		ws := testutil.NewWorkspace(t, map[string]string{"main.hcl": pipeline})

		result := ws.Run(targets("${dir}/special.out"))

		require.NoError(t, result.Err)
		assert.Equal(t, "special\n", ws.Read("special.out"))
	})

	t.Run("single matching pattern", func(t *testing.T) {
		t.Parallel()
		ws := testutil.NewWorkspace(t, map[string]string{"main.hcl": pipeline})

		result := ws.Run(targets("${dir}/plain.out"))

		require.NoError(t, result.Err)
		assert.Equal(t, "generic\n", ws.Read("plain.out"))
	})

	t.Run("two matching patterns are ambiguous", func(t *testing.T) {
		t.Parallel()
		ws := testutil.NewWorkspace(t, map[string]string{"main.hcl": pipeline})

		result := ws.Run(targets("${dir}/xy.out"))

		require.Error(t, result.Err)
		var ambErr *rules.AmbiguousRuleError
		require.ErrorAs(t, result.Err, &ambErr)
		assert.Len(t, ambErr.Rules, 2)
		assert.False(t, ws.Exists("xy.out"))
		assert.Nil(t, result.App.Report(), "no job may run")
	})
}

func TestPipeline_CycleIsRejected(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ws := testutil.NewWorkspace(t, map[string]string{
		"main.hcl": `
rule "forward" {
  target  = "${var.dir}/%.a"
  inputs  = ["${var.dir}/%.b"]
  command = "cp ${input[0]} ${output}"
}

rule "back" {
  target  = "${var.dir}/%.b"
  inputs  = ["${var.dir}/%.a"]
  command = "cp ${input[0]} ${output}"
}
`,
	})

	// --- Act ---
	result := ws.Run(targets("${dir}/x.a"))

	// --- Assert ---
	require.Error(t, result.Err)
	var cycleErr *dag.CyclicDependencyError
	require.ErrorAs(t, result.Err, &cycleErr)
	assert.Contains(t, cycleErr.Error(), "x.b")
}

func TestPipeline_ShexecRule(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ws := testutil.NewWorkspace(t, map[string]string{
		"name.txt": "world\n",
		"main.yaml": `
variables:
  greeting: hello
rules:
  - name: greet
    target: "${dir}/%.greeting"
    inputs: ["${dir}/%.txt"]
    shexec: true
    command: |
      read who < "$JOB_INPUT_1"
      echo "$VAR_GREETING $who from $JOB_MATCH" > "$JOB_OUTPUT"
`,
	})

	// --- Act ---
	result := ws.Run(targets("${dir}/name.greeting"))

	// --- Assert ---
	require.NoError(t, result.Err)
	assert.Equal(t, "hello world from name\n", ws.Read("name.greeting"))
}

func TestPipeline_DirectoryPrerequisiteIsOrderOnly(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ws := testutil.NewWorkspace(t, map[string]string{
		"a.txt": "a\n",
		"b.txt": "b\n",
		"main.yaml": `
rules:
  - name: outdir
    target: "${dir}/out"
    shexec: true
    command: mkdir -p "$JOB_OUTPUT"
  - name: upper
    target: "${dir}/out/%.upper"
    inputs: ["${dir}/%.txt", "${dir}/out"]
    command: tr a-z A-Z < $< > $>
`,
	})
	run := func() *testutil.HarnessResult {
		return ws.Run(targets("${dir}/out/a.upper", "${dir}/out/b.upper"))
	}

	first := run()
	require.NoError(t, first.Err)
	require.Equal(t, 3, first.App.Report().Succeeded)
	assert.Equal(t, "A\n", ws.Read("out/a.upper"))
	// Outlast coarse mtime granularity so the commits above are visibly
	// newer than the directory's creation.
	time.Sleep(1100 * time.Millisecond)

	// --- Act ---
	second := run()

	// --- Assert ---
	require.NoError(t, second.Err)
	report := second.App.Report()
	assert.Zero(t, report.Succeeded)
	assert.Empty(t, report.Jobs)
	assert.Equal(t, 5, report.Fresh)

	t.Run("newer input still rebuilds", func(t *testing.T) {
		future := time.Now().Add(time.Minute)
		require.NoError(t, os.Chtimes(ws.Path("b.txt"), future, future))

		third := run()

		require.NoError(t, third.Err)
		assert.Equal(t, 1, third.App.Report().Succeeded)
	})
}

func TestPipeline_CancellationStopsJobs(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ws := testutil.NewWorkspace(t, map[string]string{
		"main.hcl": `
rule "slow" {
  target  = "${var.dir}/%.slow"
  command = "sleep 30 && touch ${output}"
}

rule "after" {
  target  = "${var.dir}/%.after"
  inputs  = ["${var.dir}/%.slow"]
  command = "touch ${output}"
}
`,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// --- Act ---
	started := time.Now()
	result := ws.RunWithContext(ctx, func(c *app.Config) {
		c.KillGrace = time.Second
		c.Targets = []string{"${dir}/x.after"}
	})

	// --- Assert ---
	require.Error(t, result.Err)
	assert.Less(t, time.Since(started), 10*time.Second, "running job must be killed")
	assert.False(t, ws.Exists("x.slow"))
	assert.False(t, ws.Exists("x.after"))

	report := result.App.Report()
	require.NotNil(t, report)
	for _, j := range report.Jobs {
		assert.Equal(t, node.Failed, j.State(), "job %s", j.ID)
	}
}

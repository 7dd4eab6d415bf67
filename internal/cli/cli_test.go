package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/picklr-io/tierctl/internal/engine"
	"github.com/picklr-io/tierctl/internal/eval"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags clears flag values left behind by a previous run so that
// package-level command state does not leak between executions.
func resetFlags() {
	stackFile, logLevel, logFormat, metricsFile = "", "info", "console", ""
	traceOutput = false
	noColor = true
	planProperties, applyProperties = nil, nil
	applyAutoApprove, destroyAutoApprove = false, false
	destroyTargets = nil
	outputJSON = false
	initFormat = "yaml"

	var walk func(*cobra.Command)
	walk = func(c *cobra.Command) {
		c.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
		c.PersistentFlags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--no-color"))
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, "", args...)
	require.NoError(t, err, out)
	return out
}

func TestLifecycle(t *testing.T) {
	t.Chdir(t.TempDir())

	out := mustRun(t, "init")
	assert.Contains(t, out, "Created tierctl.yaml")
	assert.DirExists(t, ".tierctl")

	out = mustRun(t, "validate")
	assert.Contains(t, out, "Configuration is valid!")

	out = mustRun(t, "plan")
	assert.Contains(t, out, "# vpc will be created")
	assert.Contains(t, out, "# backend-deployment will be created")
	assert.Contains(t, out, "Plan Summary:")

	out, err := run(t, "n\n", "apply")
	require.NoError(t, err)
	assert.Contains(t, out, "Apply cancelled.")

	out = mustRun(t, "state", "list")
	assert.Contains(t, out, "No resources in state.")

	out = mustRun(t, "apply", "--auto-approve")
	assert.Contains(t, out, "Apply complete!")
	assert.Contains(t, out, "0 changed, 0 destroyed")
	assert.Contains(t, out, "vpc (Network): created")

	out = mustRun(t, "plan")
	assert.Contains(t, out, "No changes. Infrastructure is up-to-date.")

	out = mustRun(t, "state", "list")
	assert.Contains(t, out, "backend-sa")
	assert.Contains(t, out, "Applied")

	out = mustRun(t, "state", "show", "table")
	assert.Contains(t, out, "id: table")
	assert.Contains(t, out, "name: messages")

	out = mustRun(t, "output", "backend-role", "arn")
	assert.Equal(t, "arn:aws:iam::000000000000:role/ekshandson-backend\n", out)

	out = mustRun(t, "output", "table", "--json")
	assert.Contains(t, out, `"name": "messages"`)

	out = mustRun(t, "taint", "table")
	assert.Contains(t, out, "table has been marked as tainted")

	out = mustRun(t, "plan")
	assert.Contains(t, out, "# table will be updated in place")

	out = mustRun(t, "untaint", "table")
	assert.Contains(t, out, "table has been successfully untainted")

	out = mustRun(t, "plan")
	assert.Contains(t, out, "No changes.")

	out, err = run(t, "", "destroy", "--auto-approve", "-t", "cluster")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
	assert.Contains(t, err.Error(), "still required by")
	assert.NotContains(t, out, "Destroy complete!")

	out = mustRun(t, "destroy", "--auto-approve", "-t", "frontend-ingress")
	assert.Contains(t, out, `- Ingress "frontend-ingress"`)
	assert.Contains(t, out, "Destroy complete! Resources: 1 destroyed.")

	out = mustRun(t, "destroy", "--auto-approve")
	assert.Contains(t, out, "Destroy complete!")

	out = mustRun(t, "state", "list")
	assert.Contains(t, out, "No resources in state.")
}

func TestGraphCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	mustRun(t, "init")

	out := mustRun(t, "graph")
	assert.True(t, strings.HasPrefix(out, "digraph tierctl {"))
	assert.Contains(t, out, `"cluster" -> "vpc"`)
}

func TestStateRmKeepsOthers(t *testing.T) {
	t.Chdir(t.TempDir())
	mustRun(t, "init")
	mustRun(t, "apply", "--auto-approve")

	out := mustRun(t, "state", "rm", "fluent-bit")
	assert.Contains(t, out, "resource was NOT destroyed")

	_, err := run(t, "", "state", "show", "fluent-bit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in state")

	out = mustRun(t, "plan")
	assert.Contains(t, out, "# fluent-bit will be created")
}

func TestStateCommandsWithoutStackFile(t *testing.T) {
	t.Chdir(t.TempDir())

	out := mustRun(t, "state", "list")
	assert.Contains(t, out, "No resources in state.")

	_, err := run(t, "", "taint", "vpc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in state")
}

func TestInitPkl(t *testing.T) {
	dir := t.TempDir()
	out := mustRun(t, "init", dir, "--format", "pkl")
	assert.Contains(t, out, "main.pkl")
	assert.FileExists(t, filepath.Join(dir, "main.pkl"))

	out = mustRun(t, "init", dir, "--format", "pkl")
	assert.Contains(t, out, "already exists")

	_, err := run(t, "", "init", dir, "--format", "toml")
	require.Error(t, err)
}

func TestValidateReportsConfigError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tierctl.yaml"), []byte(`
stack:
  region: us-east-1
  vpcCidr: not-a-cidr
`), 0o644))

	_, err := run(t, "", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"generic", errors.New("boom"), ExitFailure},
		{"concurrent plan", fmt.Errorf("apply: %w", &engine.ConcurrentPlanError{Holder: "other", IDs: []string{"vpc"}}), ExitConcurrentPlan},
		{"validation", &eval.ValidationError{Problems: []string{"stack.region is required"}}, ExitConfigError},
		{"load", &eval.LoadError{Path: "tierctl.yaml", Err: errors.New("bad")}, ExitConfigError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestColorize(t *testing.T) {
	noColor = false
	assert.Equal(t, "\033[31m", colorize("\033[31m"))

	noColor = true
	assert.Equal(t, "", colorize("\033[31m"))

	noColor = false
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, `"abc"`, formatValue("abc"))
	assert.Equal(t, "42", formatValue(42))
	assert.Equal(t, "true", formatValue(true))
}

func TestWithoutExternal(t *testing.T) {
	got := withoutExternal([]string{"vpc", "cluster", "table"}, []string{"cluster"})
	assert.Equal(t, []string{"vpc", "table"}, got)
	assert.Empty(t, withoutExternal(nil, nil))
}

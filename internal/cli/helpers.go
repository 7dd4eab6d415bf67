package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/picklr-io/tierctl/internal/engine"
	"github.com/picklr-io/tierctl/internal/eval"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
	"github.com/picklr-io/tierctl/internal/provider"
	"github.com/picklr-io/tierctl/internal/stack"
	"github.com/picklr-io/tierctl/internal/state"
	"github.com/picklr-io/tierctl/internal/telemetry"
	"github.com/spf13/cobra"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// project is a loaded stack file with its state store.
type project struct {
	dir   string
	cfg   *ir.Config
	store state.Store
}

// resolveTarget returns the project directory and stack file named by an
// optional path argument or the --file flag.
func resolveTarget(args []string) (string, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint := stackFile

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

func loadProject(ctx context.Context, args []string, properties map[string]string) (*project, error) {
	wd, entryPoint, err := resolveTarget(args)
	if err != nil {
		return nil, err
	}

	evaluator := eval.NewEvaluator(wd)
	path, err := evaluator.Find(entryPoint)
	if err != nil {
		return nil, err
	}
	cfg, err := evaluator.LoadConfig(ctx, path, properties)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(ctx, cfg.State, wd)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	return &project{dir: wd, cfg: cfg, store: store}, nil
}

// loadStateOnly opens the state store of the project. Without a stack file
// the default file store of the working directory is used.
func loadStateOnly(ctx context.Context) (*project, error) {
	p, err := loadProject(ctx, nil, nil)
	if err == nil {
		return p, nil
	}
	if stackFile != "" || !errors.Is(err, eval.ErrNoStackFile) {
		return nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	store, err := state.NewStore(ctx, ir.StateConfig{}, wd)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	logging.Debug("no stack file; using default state store", "dir", wd)
	return &project{dir: wd, cfg: &ir.Config{}, store: store}, nil
}

func (p *project) Close() {
	if err := p.store.Close(); err != nil {
		logging.Warn("failed to close state store", "error", err)
	}
}

func (p *project) desired() ([]*ir.Resource, error) {
	return stack.Compose(p.cfg)
}

func (p *project) reconciler() *engine.Reconciler {
	return engine.NewReconciler(engine.GraphConfig{External: p.cfg.External})
}

func (p *project) backends(ctx context.Context) (*provider.Registry, error) {
	return provider.FromConfig(ctx, p.cfg.Backend, p.store)
}

// newEngine builds an engine that reports progress to w.
func (p *project) newEngine(w io.Writer, metrics *telemetry.Metrics) (*engine.Engine, error) {
	opts, err := eval.EngineOptions(p.cfg.Engine)
	if err != nil {
		return nil, err
	}
	opts.Metrics = metrics
	opts.Callback = progressPrinter(w)
	return engine.NewEngine(p.store, opts), nil
}

func newMetrics() *telemetry.Metrics {
	if metricsFile == "" {
		return nil
	}
	return telemetry.NewMetrics()
}

func writeMetrics(m *telemetry.Metrics) {
	if m == nil {
		return
	}
	if err := m.WriteFile(metricsFile); err != nil {
		logging.Warn("failed to write metrics", "path", metricsFile, "error", err)
	}
}

func progressPrinter(w io.Writer) engine.ApplyCallback {
	return func(ev engine.ApplyEvent) {
		switch ev.Status {
		case "completed":
			fmt.Fprintf(w, "%s  %s (%s): %s after %d attempt(s) [%s]%s\n",
				colorize(colorGreen), ev.ID, ev.Kind, strings.ToLower(string(ev.Outcome)), ev.Attempts, ev.Duration.Round(1e6), colorize(colorReset))
		case "failed":
			fmt.Fprintf(w, "%s  %s (%s): failed after %d attempt(s): %v%s\n",
				colorize(colorRed), ev.ID, ev.Kind, ev.Attempts, ev.Error, colorize(colorReset))
		case "skipped":
			fmt.Fprintf(w, "%s  %s (%s): skipped, blocked by %s%s\n",
				colorize(colorYellow), ev.ID, ev.Kind, ev.BlockedBy, colorize(colorReset))
		}
	}
}

// confirm asks for approval on in and reports whether the answer was yes.
func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s (y/n): ", prompt)
	response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// renderChanges prints the change list of a reconciliation. No-op changes
// are omitted.
func renderChanges(w io.Writer, changes []*ir.ResourceChange) {
	for _, change := range changes {
		symbol, color := "~", colorYellow
		switch change.Action {
		case ir.ActionNoOp:
			continue
		case ir.ActionCreate:
			symbol, color = "+", colorGreen
		case ir.ActionDelete:
			symbol, color = "-", colorRed
		}

		fmt.Fprintf(w, "\n%s  # %s will be %s%s\n", colorize(color), change.ID, actionVerb(change.Action), colorize(colorReset))
		fmt.Fprintf(w, "%s  %s %s %q {%s\n", colorize(color), symbol, change.Kind, change.ID, colorize(colorReset))
		renderPropertyDiff(w, change.Diff)
		fmt.Fprintf(w, "%s    }%s\n", colorize(color), colorize(colorReset))
	}
}

func actionVerb(a ir.Action) string {
	switch a {
	case ir.ActionCreate:
		return "created"
	case ir.ActionDelete:
		return "deleted"
	default:
		return "updated in place"
	}
}

// renderPropertyDiff prints structured property diffs in key order.
func renderPropertyDiff(w io.Writer, diff map[string]*ir.PropertyDiff) {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := diff[key]
		switch d.Action {
		case "create":
			fmt.Fprintf(w, "%s      + %s = %s%s\n", colorize(colorGreen), key, formatValue(d.After), colorize(colorReset))
		case "delete":
			fmt.Fprintf(w, "%s      - %s = %s%s\n", colorize(colorRed), key, formatValue(d.Before), colorize(colorReset))
		case "update":
			fmt.Fprintf(w, "%s      ~ %s = %s -> %s%s\n", colorize(colorYellow), key, formatValue(d.Before), formatValue(d.After), colorize(colorReset))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderSummary prints the plan summary counts.
func renderSummary(w io.Writer, s ir.PlanSummary) {
	fmt.Fprintln(w, "\nPlan Summary:")
	fmt.Fprintf(w, "  Create:  %d\n", s.Create)
	fmt.Fprintf(w, "  Update:  %d\n", s.Update)
	fmt.Fprintf(w, "  Delete:  %d\n", s.Delete)
	fmt.Fprintf(w, "  NoOp:    %d\n", s.NoOp)
	if s.Drift > 0 {
		fmt.Fprintf(w, "  Drift:   %d (in state but no longer declared; left in place)\n", s.Drift)
	}
}

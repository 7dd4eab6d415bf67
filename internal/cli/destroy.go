package cli

import (
	"fmt"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/spf13/cobra"
)

var (
	destroyAutoApprove bool
	destroyTargets     []string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed infrastructure",
	Long: `Destroys the resources recorded in state, dependents first.

This command is the inverse of 'tierctl apply'. With --target only the named
resources are deleted. Resources listed under external are never deleted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
	destroyCmd.Flags().StringSliceVarP(&destroyTargets, "target", "t", nil, "Resource id to destroy (repeatable)")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	p, err := loadProject(ctx, args, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	ids := destroyTargets
	if len(ids) == 0 {
		stored, err := p.store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		for _, rs := range stored {
			ids = append(ids, rs.ID)
		}
	}
	ids = withoutExternal(ids, p.cfg.External)
	if len(ids) == 0 {
		fmt.Fprintln(out, "No resources in state. Nothing to destroy.")
		return nil
	}

	plan, err := p.reconciler().ReconcileTeardown(ctx, ids, p.store)
	if err != nil {
		return err
	}
	if plan.Len() == 0 {
		fmt.Fprintln(out, "No matching resources in state. Nothing to destroy.")
		return nil
	}

	fmt.Fprintln(out, "tierctl will destroy the following resources:")
	for _, res := range plan.Resources() {
		fmt.Fprintf(out, "%s  - %s %q%s\n", colorize(colorRed), res.Kind, res.ID, colorize(colorReset))
	}

	if !destroyAutoApprove && !confirm(cmd, "Do you really want to destroy these resources?") {
		fmt.Fprintln(out, "Destroy cancelled.")
		return nil
	}

	backends, err := p.backends(ctx)
	if err != nil {
		return err
	}
	metrics := newMetrics()
	defer writeMetrics(metrics)

	eng, err := p.newEngine(out, metrics)
	if err != nil {
		return err
	}
	results, err := eng.Teardown(ctx, plan, backends)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nDestroy complete! Resources: %d destroyed.\n", countOutcomes(results)[ir.OutcomeDeleted])
	return nil
}

func withoutExternal(ids, external []string) []string {
	skip := make(map[string]bool, len(external))
	for _, id := range external {
		skip[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

package cli

import (
	"errors"
	"fmt"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/spf13/cobra"
)

var (
	applyAutoApprove bool
	applyProperties  map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Create or update the stack",
	Long: `Applies every declared resource in dependency order, then tears down
resources listed under removed. Resources in state that are no longer
declared are reported and left in place.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external Pkl properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	p, err := loadProject(ctx, args, applyProperties)
	if err != nil {
		return err
	}
	defer p.Close()

	desired, err := p.desired()
	if err != nil {
		return err
	}
	rec, err := p.reconciler().Reconcile(ctx, desired, p.store)
	if err != nil {
		return err
	}

	if rec.Summary.Create+rec.Summary.Update+rec.Summary.Delete == 0 {
		fmt.Fprintln(out, "No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Fprintln(out, "tierctl will perform the following actions:")
	renderChanges(out, rec.Changes)
	renderSummary(out, rec.Summary)

	if !applyAutoApprove && !confirm(cmd, "Do you want to perform these actions?") {
		fmt.Fprintln(out, "Apply cancelled.")
		return nil
	}

	backends, err := p.backends(ctx)
	if err != nil {
		return err
	}
	metrics := newMetrics()
	defer writeMetrics(metrics)
	metrics.SetDrift(len(rec.Drift))

	eng, err := p.newEngine(out, metrics)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nApplying %d resource(s)...\n", rec.Apply.Len())
	results, applyErr := eng.Apply(ctx, rec.Apply, backends)

	var teardownErr error
	if rec.Teardown.Len() > 0 {
		if applyErr != nil {
			fmt.Fprintf(out, "Skipping teardown of %d removed resource(s) after apply failure.\n", rec.Teardown.Len())
		} else {
			fmt.Fprintf(out, "\nTearing down %d removed resource(s)...\n", rec.Teardown.Len())
			var deleted []*ir.OperationResult
			deleted, teardownErr = eng.Teardown(ctx, rec.Teardown, backends)
			results = append(results, deleted...)
		}
	}

	if err := errors.Join(applyErr, teardownErr); err != nil {
		return err
	}

	counts := countOutcomes(results)
	fmt.Fprintf(out, "\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		counts[ir.OutcomeCreated], counts[ir.OutcomeUpdated], counts[ir.OutcomeDeleted])
	return nil
}

func countOutcomes(results []*ir.OperationResult) map[ir.Outcome]int {
	counts := make(map[ir.Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
	}
	return counts
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var planProperties map[string]string

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Show what apply would change",
	Long: `Compares the stack file with the recorded state and shows the resources
that apply would create, update or delete. Nothing is provisioned.

References to resources that have not been applied yet are shown
unresolved.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external Pkl properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	p, err := loadProject(ctx, args, planProperties)
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
	} else {
		fmt.Fprintln(out, "tierctl will perform the following actions:")
		renderChanges(out, rec.Changes)
	}
	for _, id := range rec.Drift {
		fmt.Fprintf(out, "%s  ! %s is in state but no longer declared; add it to removed to delete it%s\n",
			colorize(colorYellow), id, colorize(colorReset))
	}
	renderSummary(out, rec.Summary)
	return nil
}

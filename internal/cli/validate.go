package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the stack file and its dependency graph",
	Long: `Loads the stack file, checks field constraints and builds the dependency
graph. Cycles, unknown dependencies and duplicate ids are reported. State is
only read to check references to external resources.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Validating configuration...")

	p, err := loadProject(cmd.Context(), args, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	desired, err := p.desired()
	if err != nil {
		return err
	}
	rec, err := p.reconciler().Reconcile(cmd.Context(), desired, p.store)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d resource(s), %d removed, %d external.\n",
		rec.Apply.Len(), len(desired)-rec.Apply.Len(), len(p.cfg.External))
	fmt.Fprintln(out, "Configuration is valid!")
	return nil
}

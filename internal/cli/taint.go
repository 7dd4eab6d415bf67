package cli

import (
	"fmt"
	"time"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/spf13/cobra"
)

var taintCmd = &cobra.Command{
	Use:   "taint <id>",
	Short: "Force a resource to be re-applied",
	Long: `Marks a resource Pending in state. The next plan schedules it for update
even if its properties are unchanged. The resource itself is not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaint,
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <id>",
	Short: "Clear a forced re-apply",
	Long:  `Marks a tainted resource Applied again. Only resources with a recorded handle can be untainted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUntaint,
}

func runTaint(cmd *cobra.Command, args []string) error {
	return setStatus(cmd, args[0], "taint", func(rs *ir.ResourceState) error {
		if rs.Status == ir.StatusPending {
			return fmt.Errorf("resource %s is already tainted", rs.ID)
		}
		rs.Status = ir.StatusPending
		return nil
	}, "Resource %s has been marked as tainted.\n")
}

func runUntaint(cmd *cobra.Command, args []string) error {
	return setStatus(cmd, args[0], "untaint", func(rs *ir.ResourceState) error {
		if rs.Status == ir.StatusApplied {
			return fmt.Errorf("resource %s is not tainted", rs.ID)
		}
		if rs.Handle == nil {
			return fmt.Errorf("resource %s has no recorded handle; apply it instead", rs.ID)
		}
		rs.Status = ir.StatusApplied
		rs.Error = ""
		return nil
	}, "Resource %s has been successfully untainted.\n")
}

func setStatus(cmd *cobra.Command, id, owner string, mutate func(*ir.ResourceState) error, done string) error {
	ctx := cmd.Context()
	p, err := loadStateOnly(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	unlock, err := p.store.Lock(ctx, owner, []string{id})
	if err != nil {
		return err
	}
	defer unlock()

	rs, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if rs == nil {
		return fmt.Errorf("resource %s not found in state", id)
	}
	if err := mutate(rs); err != nil {
		return err
	}
	rs.UpdatedAt = time.Now().UTC()
	if err := p.store.Put(ctx, rs); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), done, id)
	return nil
}

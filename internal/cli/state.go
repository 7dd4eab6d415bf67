package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage tierctl state",
	Long:  `Commands for inspecting and modifying tierctl state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the recorded state of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Remove resources from state (does not destroy)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	p, err := loadStateOnly(cmd.Context())
	if err != nil {
		return err
	}
	defer p.Close()

	stored, err := p.store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(stored) == 0 {
		fmt.Fprintln(out, "No resources in state.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tHANDLE\tUPDATED")
	for _, rs := range stored {
		handle := "-"
		if rs.Handle != nil {
			handle = rs.Handle.ID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rs.ID, rs.Kind, rs.Status, handle, rs.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal: %d resource(s)\n", len(stored))
	return nil
}

// stateView is the printed shape of one resource state.
type stateView struct {
	ID         string         `yaml:"id"`
	Kind       ir.Kind        `yaml:"kind"`
	Status     ir.Status      `yaml:"status"`
	Error      string         `yaml:"error,omitempty"`
	DependsOn  []string       `yaml:"dependsOn,omitempty"`
	Handle     string         `yaml:"handle,omitempty"`
	Outputs    map[string]any `yaml:"outputs,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
	InputsHash string         `yaml:"inputsHash,omitempty"`
	UpdatedAt  string         `yaml:"updatedAt"`
}

func runStateShow(cmd *cobra.Command, args []string) error {
	p, err := loadStateOnly(cmd.Context())
	if err != nil {
		return err
	}
	defer p.Close()

	rs, err := p.store.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if rs == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	view := stateView{
		ID:         rs.ID,
		Kind:       rs.Kind,
		Status:     rs.Status,
		Error:      rs.Error,
		DependsOn:  rs.DependsOn,
		Properties: rs.LastAppliedProperties,
		InputsHash: rs.InputsHash,
		UpdatedAt:  rs.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if rs.Handle != nil {
		view.Handle = rs.Handle.ID
		view.Outputs = rs.Handle.Outputs
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("failed to render state: %w", err)
	}
	return enc.Close()
}

func runStateRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := loadStateOnly(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	unlock, err := p.store.Lock(ctx, "state-rm", args)
	if err != nil {
		return err
	}
	defer unlock()

	for _, id := range args {
		rs, err := p.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if rs == nil {
			return fmt.Errorf("resource %s not found in state", id)
		}
		if err := p.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state (resource was NOT destroyed)\n", id)
	}
	return nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output <id> [name]",
	Short: "Show the outputs a resource published",
	Long: `Reads the handle outputs recorded for a resource: ids, ARNs, endpoints.

If no name is given, all outputs are displayed. If a name is given,
only that output's value is printed. These are the values other resources
reach with ref://<id>/<name>.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	p, err := loadStateOnly(cmd.Context())
	if err != nil {
		return err
	}
	defer p.Close()

	rs, err := p.store.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if rs == nil || rs.Handle == nil {
		return fmt.Errorf("resource %s has not been applied", args[0])
	}

	out := cmd.OutOrStdout()
	outputs := map[string]any{"id": rs.Handle.ID}
	for k, v := range rs.Handle.Outputs {
		outputs[k] = v
	}

	if len(args) > 1 {
		val, ok := rs.Handle.Output(args[1])
		if !ok {
			return fmt.Errorf("output %q not found on %s", args[1], args[0])
		}
		if outputJSON {
			data, err := json.Marshal(val)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		} else {
			fmt.Fprintln(out, val)
		}
		return nil
	}

	if outputJSON {
		data, err := json.MarshalIndent(outputs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s = %s\n", k, formatValue(outputs[k]))
	}
	return nil
}

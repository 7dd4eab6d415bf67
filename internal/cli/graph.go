package cli

import (
	"fmt"

	"github.com/picklr-io/tierctl/internal/engine"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  tierctl graph | dot -Tpng > graph.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	p, err := loadProject(cmd.Context(), args, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	desired, err := p.desired()
	if err != nil {
		return err
	}
	dag, err := engine.BuildGraph(activeResources(desired), engine.GraphConfig{External: p.cfg.External})
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), dag.DOT())
	return nil
}

func activeResources(resources []*ir.Resource) []*ir.Resource {
	out := make([]*ir.Resource, 0, len(resources))
	for _, res := range resources {
		if !res.Removed {
			out = append(out, res)
		}
	}
	return out
}

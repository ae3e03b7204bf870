package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var (
		dot     bool
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "graph <environment>",
		Short: "Show an environment's dependency graph",
		Long: `Build the dependency graph of an environment and print its layers.

Each layer only depends on earlier layers; modules in one layer run in
parallel during a cascade. With --dot the graph is rendered in Graphviz DOT
format, one cluster per layer.`,
		Example: `  # Print layers
  envrun graph prod

  # Render with Graphviz
  envrun graph prod --dot --out prod.dot && dot -Tpng prod.dot -o prod.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			envID := args[0]

			return withApp(ctx, appOptions{}, func(a *app) error {
				if jsonOutput {
					view, err := a.engine.Environments.GraphView(ctx, envID)
					if err != nil {
						return err
					}
					return printJSON(view)
				}

				graph, modules, err := a.engine.Environments.Graph(ctx, envID)
				if err != nil {
					return err
				}

				if dot {
					labels := make(map[string]string, len(modules))
					for _, m := range modules {
						labels[m.ID] = fmt.Sprintf("%s\\n%s", m.ID, m.CurrentVersion)
					}
					out := graph.ToDOT(labels)
					if outFile != "" {
						return os.WriteFile(outFile, []byte(out), 0644)
					}
					fmt.Print(out)
					return nil
				}

				fmt.Printf("Environment %s: %d modules\n", envID, graph.Len())
				for i, layer := range graph.Layers() {
					fmt.Printf("  Layer %d: %s\n", i, strings.Join(layer, ", "))
				}
				for _, e := range graph.Edges() {
					fmt.Printf("  %s -> %s\n", e.From, e.To)
				}
				for _, d := range graph.Dropped() {
					fmt.Printf("  ignored edge %s -> %s (unknown module)\n", d.DependsOnID, d.ModuleID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "render Graphviz DOT")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write DOT output to a file")

	return cmd
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <environment> <module>",
		Short: "Show a module's resolved variables",
		Long: `Resolve the variables a module run would receive.

Precedence, lowest first: cloud integrations, variable sets, dependency
output mappings, module variables. Sensitive values are redacted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			return withApp(ctx, appOptions{}, func(a *app) error {
				vars, err := a.engine.Variables.Resolve(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(vars)
				}

				rows := make([]string, 0, len(vars))
				for _, v := range vars {
					value := v.Value
					if v.Sensitive {
						value = "(sensitive)"
					}
					rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s", v.Key, v.Category, value, v.Source))
				}
				printTable("KEY\tCATEGORY\tVALUE\tSOURCE", rows)
				return nil
			})
		},
	}

	return cmd
}

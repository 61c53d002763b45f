package main

import (
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run SCRIPT",
		Short: "Execute a YAML command script",
		Long: `Execute the steps of a YAML command script against one shim.

Each step names a shim command and its arguments. A step may bind its
result with "as" and later steps may reference it as $name, selecting
struct fields and slice indices with dots:

  steps:
    - cmd: get_net
      args: [deploy.yaml, test]
      as: net
    - cmd: net_get_attr
      args: [$net]
      as: attr
    - cmd: blob_get_shape
      args: [$attr.Blobs.0]
      print: true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := loadScript(args[0])
			if err != nil {
				return err
			}
			return newRunner(a.shim, cmd.OutOrStdout()).run(script)
		},
	}
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/reglet-dev/mediahost/application/manifest"
	"github.com/reglet-dev/mediahost/config"
)

func newSchemaCommand() *cobra.Command {
	var descriptor bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			generate := config.Schema
			if descriptor {
				generate = manifest.DescriptorSchema
			}
			out, err := generate()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(out, '\n'))
			return err
		},
	}
	cmd.Flags().BoolVar(&descriptor, "descriptor", false, "print the plugin descriptor schema instead")
	return cmd
}

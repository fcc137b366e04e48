package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/mediahost/application/manifest"
	"github.com/reglet-dev/mediahost/child"
	"github.com/reglet-dev/mediahost/domain/entities"
)

type inspection struct {
	Descriptor *entities.PluginDescriptor `json:"descriptor"`
	Libraries  []string                   `json:"libraries"`
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <plugin-dir>",
		Short: "Validate a plugin directory and print its descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			out := inspection{Descriptor: desc, Libraries: []string{}}
			for _, name := range child.LibraryCandidates(desc.Name) {
				if _, err := os.Stat(filepath.Join(desc.Directory, name)); err == nil {
					out.Libraries = append(out.Libraries, name)
				}
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("encode descriptor: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

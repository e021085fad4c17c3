package main

import (
	"github.com/spf13/cobra"

	"github.com/vormadev/ferry/internal/urlmap"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Print the function's URL map without bundling",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, _, err := loadManifest(cmd)
		if err != nil {
			return err
		}
		opts, err := loadOptions(cmd)
		if err != nil {
			return err
		}
		out, err := urlmap.Reconcile(m.TemplateMap, opts.Name)
		if err != nil {
			return err
		}
		data, err := out.Encode()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

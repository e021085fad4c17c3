package main

import (
	"github.com/spf13/cobra"

	"github.com/vormadev/ferry"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Bundle the function from a build manifest",
	Long: `Replays a site build manifest: copies the config, data, includes, layouts and
every template the function serves into the bundle, writes the dependency
markers and URL map, and merges the function's redirects into the routing
document.`,
	RunE: runBundle,
}

func runBundle(cmd *cobra.Command, _ []string) error {
	m, _, err := loadManifest(cmd)
	if err != nil {
		return err
	}
	p, err := newPlugin(cmd)
	if err != nil {
		return err
	}
	return ferry.Replay(cmd.Context(), p, m)
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vormadev/ferry"
	"github.com/vormadev/ferry/internal/devserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the built site, routing dynamic URLs through the function",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("site", "s", "_site", "Built site directory")
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().BoolP("watch", "w", false, "Re-bundle when the manifest changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	p, err := newPlugin(cmd)
	if err != nil {
		return err
	}

	m, manifestPath, err := loadManifest(cmd)
	if err != nil {
		return err
	}
	if err := ferry.Replay(cmd.Context(), p, m); err != nil {
		return err
	}

	site, _ := cmd.Flags().GetString("site")
	port, _ := cmd.Flags().GetInt("port")
	watch, _ := cmd.Flags().GetBool("watch")

	opts := devserver.Options{
		Addr:    fmt.Sprintf(":%d", port),
		SiteDir: site,
		Bundle:  p,
		Log:     Log,
	}
	if watch {
		opts.Watch = []string{manifestPath}
		opts.Ignore = []string{p.OutputDir()}
		opts.Rebuild = func(ctx context.Context) error {
			m, err := ferry.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			return ferry.Replay(ctx, p, m)
		}
	}

	srv, err := devserver.New(opts)
	if err != nil {
		return err
	}
	return srv.Run(cmd.Context())
}

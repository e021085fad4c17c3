package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vormadev/ferry"
	"github.com/vormadev/ferry/internal/config"
	"github.com/vormadev/ferry/kit/colorlog"
)

var Log = colorlog.New("ferry")

var rootCmd = &cobra.Command{
	Use:               "ferry",
	Short:             "Bundle a static site build into a serverless function",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Options file (default: ferry.config.{json,yaml,toml} in the working directory)")
	flags.String("env-file", "", "Environment file (default: .env when present)")
	flags.StringP("name", "n", "", "Name of the serverless function")
	flags.String("functions-dir", "", "Directory the function bundle is written to")
	flags.StringP("manifest", "m", "", "Build manifest emitted by the site build")
	flags.BoolP("verbose", "v", false, "Verbose output")

	_ = viper.BindPFlag("name", flags.Lookup("name"))
	_ = viper.BindPFlag("functionsDir", flags.Lookup("functions-dir"))

	rootCmd.AddCommand(bundleCmd, serveCmd, mapCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		Log = colorlog.New("ferry", colorlog.Options{Level: slog.LevelDebug})
	}
	if err := loadEnv(cmd); err != nil {
		return err
	}
	config.SetSourceCLI()
	return nil
}

func loadEnv(cmd *cobra.Command) error {
	file, _ := cmd.Flags().GetString("env-file")
	if file != "" {
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load env file %s: %w", file, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		Log.Warn("failed to load .env", "error", err)
	}
	return nil
}

func loadOptions(cmd *cobra.Command) (*config.Options, error) {
	file, _ := cmd.Flags().GetString("config")
	if file == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		file = config.FindFile(wd)
	}
	return config.Load(viper.GetViper(), file)
}

func loadManifest(cmd *cobra.Command) (*ferry.Manifest, string, error) {
	path, _ := cmd.Flags().GetString("manifest")
	if path == "" {
		return nil, "", errors.New("--manifest is required")
	}
	m, err := ferry.LoadManifest(path)
	return m, path, err
}

func newPlugin(cmd *cobra.Command) (*ferry.Plugin, error) {
	opts, err := loadOptions(cmd)
	if err != nil {
		return nil, err
	}
	return ferry.New(ferry.Options{Config: *opts}, Log)
}

// Package main is the showsound command: it runs the sound engine with its
// event feeds and manages projects and bundles from the shell.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaban/showsound/config"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	cfg        config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "showsound",
	Short: "Live-show sound engine",
	Long: `showsound plays looped cues on mixing buses routed to output devices,
fires them from HTTP or MIDI event feeds, and saves shows as projects.

Examples:
  showsound serve --project show.zip
  showsound bundle show.json -o show.zip
  showsound inspect show.zip
  showsound library
  showsound config init`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./"+config.DefaultFile+")")
}

// setup loads settings and installs the process logger. config init runs
// before a config exists, so a missing explicit file is not fatal there.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		if cmd != configInitCmd {
			return err
		}
		c = config.Default()
	}
	cfg = c
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	if cfg.Source != "" {
		logger.Debug("config loaded", "path", cfg.Source)
	}
	return nil
}

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaban/showsound"
	"github.com/shaban/showsound/feed"
)

var (
	projectPath string
	httpAddr    string
	midiPort    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its event feeds",
	Long: `Starts the engine, optionally loads a project or bundle, and accepts
event-state deliveries over HTTP and, when configured, from a MIDI input.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&projectPath, "project", "p", "", "project or bundle to load at startup")
	serveCmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&midiPort, "midi", "", "MIDI input port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := showsound.OptionsFromConfig(cfg)
	opts.Logger = logger
	engine, err := showsound.New(opts)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Close()

	if projectPath == "" {
		projectPath = cfg.Project
	}
	if projectPath != "" {
		if err := engine.Import(projectPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := feed.NewTracker(cfg.HTTP.FeedTimeout)

	port := cfg.MIDI.Port
	if midiPort != "" {
		port = midiPort
	}
	if port != "" && (cfg.MIDI.Enabled || midiPort != "") {
		l := feed.NewMIDIListener(port, engine, tracker, logger)
		if err := l.Start(); err != nil {
			return err
		}
		defer l.Close()
	}

	addr := cfg.HTTP.Addr
	if httpAddr != "" {
		addr = httpAddr
	}
	srv := feed.NewServer(addr, engine, engine, tracker,
		feed.WithLogger(logger),
		feed.WithFailureCount(engine.Failures))

	err = srv.Run(ctx)
	logger.Info("shutting down")
	return err
}

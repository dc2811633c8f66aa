package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaygate/icap-bridge/gateway"
	"github.com/relaygate/icap-bridge/gwconfig"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configPath string
	icapURL    string
}

// ServeCommand builds the "serve" subcommand: load configuration, wire the
// gateway, and run until an interrupt or terminate signal arrives.
func ServeCommand() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the gateway, proxying client requests through an ICAP service to upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "gateway.yaml", "path to the gateway YAML config")
	cmd.Flags().StringVar(&opts.icapURL, "icap-url", "icap://127.0.0.1:1344/reqmod", "icap:// URL of the adaptation service")

	return cmd
}

func runServe(opts serveOptions) error {
	cfg, err := gwconfig.Load(opts.configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Logging)

	gw, err := gateway.New(cfg, opts.icapURL, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return gw.ListenAndServe(ctx)
}

func newLogger(cfg gwconfig.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}

	return logger
}

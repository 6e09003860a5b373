package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/go-ns2/internal/server"
)

func newServeCmd() *cobra.Command {
	var alignOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			var synth server.Synthesizer

			if !alignOnly {
				s, closeFn, err := newSynthesizer(cfg)
				if err != nil {
					return err
				}
				defer closeFn()

				synth = s
			}

			slog.Info("starting server",
				"addr", cfg.Server.ListenAddr,
				"workers", cfg.Server.Workers,
				"synthesis", synth != nil,
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.New(cfg, synth).Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&alignOnly, "align-only", false, "Serve /v1/align without loading synthesis models")

	return cmd
}

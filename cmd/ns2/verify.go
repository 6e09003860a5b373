package main

import (
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Smoke-run every ONNX graph in the manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			engine, sm, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			return engine.Verify(cmd.Context(), sm.Sessions(), cmd.OutOrStdout())
		},
	}
}

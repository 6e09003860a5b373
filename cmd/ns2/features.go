package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-ns2/internal/audio"
)

type melOutput struct {
	SampleRate int         `json:"sample_rate"`
	Hop        int         `json:"hop"`
	Frames     int         `json:"frames"`
	Mel        [][]float32 `json:"mel"` // [NumMels][Frames]
}

func newFeaturesCmd() *cobra.Command {
	var in, out string
	var summary bool

	cmd := &cobra.Command{
		Use:   "features",
		Short: "Compute the log-mel spectrogram of a WAV or MP3 file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if in == "" {
				return fmt.Errorf("--in is required")
			}

			samples, err := audio.LoadPrompt(in, cfg.Audio.SampleRate)
			if err != nil {
				return err
			}

			ext, err := newExtractor(cfg)
			if err != nil {
				return err
			}

			mel, err := ext.Mel(samples)
			if err != nil {
				return err
			}

			mels, frames := mel.Dim(0), mel.Dim(1)
			resident, builds := ext.TableStats()
			slog.Debug("mel features computed", "in", in, "frames", frames,
				"tables_resident", resident, "table_builds", builds)

			if summary {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d samples, %d mels x %d frames\n", in, len(samples), mels, frames)
				return err
			}

			res := melOutput{
				SampleRate: ext.Config().SampleRate,
				Hop:        ext.Config().Hop,
				Frames:     frames,
				Mel:        make([][]float32, mels),
			}

			d := mel.RawData()
			for m := range mels {
				res.Mel[m] = d[m*frames : (m+1)*frames]
			}

			return writeJSONOutput(out, cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Input audio file (WAV or MP3 at audio.sample_rate)")
	cmd.Flags().StringVar(&out, "out", "-", "Output JSON path ('-' for stdout)")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print only the feature shape")

	return cmd
}

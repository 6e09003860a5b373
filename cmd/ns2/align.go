package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-ns2/internal/align"
	"github.com/example/go-ns2/internal/prosody"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

// alignInput is the JSON accepted by `ns2 align`.
type alignInput struct {
	Soft      [][][]float32 `json:"soft"`
	TokenLens []int         `json:"token_lens"`
	FrameLens []int         `json:"frame_lens"`
}

type alignOutput struct {
	Durations [][]int `json:"durations"`
}

func newAlignCmd() *cobra.Command {
	var in, out string

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Compute phoneme durations from soft alignment potentials (JSON)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			r, closeIn, err := openInput(in, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeIn()

			durs, err := alignDurations(r, align.Aligner{Workers: cfg.Runtime.Workers})
			if err != nil {
				return err
			}

			return writeJSONOutput(out, cmd.OutOrStdout(), alignOutput{Durations: durs})
		},
	}

	cmd.Flags().StringVar(&in, "in", "-", "Input JSON with soft, token_lens and frame_lens ('-' for stdin)")
	cmd.Flags().StringVar(&out, "out", "-", "Output JSON path ('-' for stdout)")

	return cmd
}

func alignDurations(r io.Reader, aligner align.Aligner) ([][]int, error) {
	var req alignInput
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode alignment input: %w", err)
	}

	if len(req.Soft) == 0 || len(req.Soft[0]) == 0 {
		return nil, errors.New("soft must be a non-empty [B][T_en][T_de] array")
	}

	batch, tEn, tDe := len(req.Soft), len(req.Soft[0]), len(req.Soft[0][0])
	data := make([]float32, 0, batch*tEn*tDe)

	for b, rows := range req.Soft {
		if len(rows) != tEn {
			return nil, fmt.Errorf("soft[%d] has %d rows, want %d", b, len(rows), tEn)
		}

		for i, row := range rows {
			if len(row) != tDe {
				return nil, fmt.Errorf("soft[%d][%d] has %d frames, want %d", b, i, len(row), tDe)
			}

			data = append(data, row...)
		}
	}

	soft, err := tensor.New(data, []int64{int64(batch), int64(tEn), int64(tDe)})
	if err != nil {
		return nil, err
	}

	hard, err := aligner.Search(soft, req.TokenLens, req.FrameLens)
	if err != nil {
		return nil, err
	}

	durs, err := prosody.ComputeDurations(hard)
	if err != nil {
		return nil, err
	}

	out := make([][]int, batch)
	d := durs.RawData()

	for b := range batch {
		out[b] = make([]int, req.TokenLens[b])
		for i := range out[b] {
			out[b][i] = int(d[b*tEn+i])
		}
	}

	return out, nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	return f, func() { _ = f.Close() }, nil
}

func writeJSONOutput(path string, stdout io.Writer, v any) error {
	if path == "" || path == "-" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0o644)
}

package main

import (
	"errors"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/example/go-ns2/internal/audio"
	"github.com/example/go-ns2/internal/model"
	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/example/go-ns2/internal/safetensors"
)

type synthFlags struct {
	tokens    []int64
	prompt    string
	latents   string
	dump      string
	speaker   int
	durations []float32
	pitch     []float32
	out       string
}

func newSynthCmd() *cobra.Command {
	var f synthFlags

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize a phoneme token sequence to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			cond, err := buildConditioning(f, cmd.Flags().Changed("speaker"), cfg.Audio.SampleRate)
			if err != nil {
				return err
			}

			synth, closeFn, err := newSynthesizer(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := synth.Synthesize(cmd.Context(), f.tokens, cond)
			if err != nil {
				return err
			}

			if f.dump != "" {
				if err := dumpSynthesis(f.dump, res); err != nil {
					return err
				}
			}

			return writeSynthOutput(f.out, res.Wave, cfg.Audio.SampleRate, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64SliceVar(&f.tokens, "tokens", nil, "Phoneme token ids, comma separated")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "Speech prompt audio (WAV or MP3)")
	cmd.Flags().StringVar(&f.latents, "prompt-latents", "", "Speech prompt as codec latents (.safetensors), instead of --prompt")
	cmd.Flags().StringVar(&f.dump, "dump", "", "Write alignment, latents, durations and pitch to this .safetensors file")
	cmd.Flags().IntVar(&f.speaker, "speaker", 0, "Speaker id for multi-speaker models")
	cmd.Flags().Float32SliceVar(&f.durations, "durations", nil, "Per-token duration override in frames")
	cmd.Flags().Float32SliceVar(&f.pitch, "pitch", nil, "Per-token pitch override in Hz")
	cmd.Flags().StringVar(&f.out, "out", "out.wav", "Output WAV path ('-' for stdout)")

	return cmd
}

func buildConditioning(f synthFlags, speakerSet bool, sampleRate int) (model.Conditioning, error) {
	if len(f.tokens) == 0 {
		return model.Conditioning{}, errors.New("--tokens is required")
	}

	var cond model.Conditioning

	switch {
	case f.prompt != "" && f.latents != "":
		return model.Conditioning{}, errors.New("--prompt and --prompt-latents are mutually exclusive")
	case f.latents != "":
		lat, err := safetensors.LoadLatents(f.latents)
		if err != nil {
			return model.Conditioning{}, err
		}

		prompt, err := tensor.New(lat.Data, lat.Shape)
		if err != nil {
			return model.Conditioning{}, err
		}

		cond.Prompt = prompt
	case f.prompt != "":
		samples, err := audio.LoadPrompt(f.prompt, sampleRate)
		if err != nil {
			return model.Conditioning{}, err
		}

		cond.PromptAudio = samples
	default:
		return model.Conditioning{}, errors.New("--prompt or --prompt-latents is required")
	}

	cond.Durations = f.durations
	cond.Pitch = f.pitch

	if speakerSet {
		id := f.speaker
		cond.SpeakerID = &id
	}

	return cond, nil
}

// dumpSynthesis stores the intermediate tensors of one synthesis call.
func dumpSynthesis(path string, res *model.Synthesis) error {
	durs := make([]float32, len(res.Durations))
	for i, d := range res.Durations {
		durs[i] = float32(d)
	}

	tensors := []safetensors.Tensor{
		{Name: "alignment", Shape: res.Alignment.Shape(), Data: res.Alignment.Data()},
		{Name: safetensors.LatentsName, Shape: res.Latents.Shape(), Data: res.Latents.Data()},
		{Name: "durations", Shape: []int64{int64(len(durs))}, Data: durs},
		{Name: "pitch", Shape: []int64{int64(len(res.Pitch))}, Data: res.Pitch},
	}

	return safetensors.WriteFile(path, tensors, map[string]string{safetensors.FramesKey: strconv.Itoa(res.Frames())})
}

// writeSynthOutput writes the waveform as WAV to path, or to stdout for "-".
func writeSynthOutput(path string, wave []float32, sampleRate int, stdout io.Writer) error {
	if path != "-" {
		return audio.WriteWAVFile(path, wave, sampleRate)
	}

	wav, err := audio.EncodeWAV(wave, sampleRate)
	if err != nil {
		return err
	}

	_, err = stdout.Write(wav)

	return err
}

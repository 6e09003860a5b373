// Package features computes the log-mel spectrogram the alignment network
// reads next to the phoneme encodings.
package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-ns2/internal/memo"
	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// ErrShortSignal is returned when a waveform is too short for one frame.
var ErrShortSignal = errors.New("signal too short")

const (
	magnitudeEps = 1e-6
	logFloor     = 1e-5
)

// Config describes the STFT and mel filterbank.
type Config struct {
	SampleRate int
	NFFT       int
	Hop        int
	Win        int
	NumMels    int
	FMin       float64
	FMax       float64
}

// DefaultConfig matches 16 kHz codec latents at 320 samples per frame.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		NFFT:       1024,
		Hop:        320,
		Win:        1024,
		NumMels:    80,
		FMin:       0,
		FMax:       8000,
	}
}

func (c Config) validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("features: sample rate %d must be positive", c.SampleRate)
	case c.NFFT <= 0 || c.Hop <= 0 || c.NumMels <= 0:
		return fmt.Errorf("features: nfft %d, hop %d and mels %d must be positive", c.NFFT, c.Hop, c.NumMels)
	case c.Win <= 0 || c.Win > c.NFFT:
		return fmt.Errorf("features: window %d must be in [1, %d]", c.Win, c.NFFT)
	case c.Hop > c.NFFT:
		return fmt.Errorf("features: hop %d exceeds nfft %d", c.Hop, c.NFFT)
	case c.FMin < 0 || c.FMax <= c.FMin || c.FMax > float64(c.SampleRate)/2:
		return fmt.Errorf("features: mel range [%g, %g] invalid for %d Hz", c.FMin, c.FMax, c.SampleRate)
	}

	return nil
}

// Pad is the reflect padding applied to both ends of the signal.
func (c Config) Pad() int { return (c.NFFT - c.Hop) / 2 }

// Frames returns the number of STFT frames for n samples.
func (c Config) Frames(n int) int {
	padded := n + 2*c.Pad()
	if padded < c.NFFT {
		return 0
	}

	return 1 + (padded-c.NFFT)/c.Hop
}

// TableKey identifies a derived table: a window or a mel filterbank.
type TableKey struct {
	kind       string
	sampleRate int
	nfft       int
	win        int
	mels       int
	fmin, fmax float64
}

// Extractor turns waveforms into log-mel features. Window and filterbank
// tables are built once per configuration and shared through the cache.
type Extractor struct {
	cfg    Config
	tables *memo.Cache[TableKey, []float64]
}

// NewExtractor validates cfg. A nil cache gets a private unbounded one.
func NewExtractor(cfg Config, cache *memo.Cache[TableKey, []float64]) (*Extractor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cache == nil {
		cache = NewTableCache(nil)
	}

	return &Extractor{cfg: cfg, tables: cache}, nil
}

// NewTableCache returns a table cache with the given storage policy.
func NewTableCache(policy memo.Policy[TableKey, []float64]) *memo.Cache[TableKey, []float64] {
	return memo.New(policy)
}

// Config returns the validated analysis settings.
func (e *Extractor) Config() Config { return e.cfg }

// TableStats reports how many tables are resident and how many were built.
func (e *Extractor) TableStats() (resident, builds int) {
	return e.tables.Len(), e.tables.Builds()
}

// Mel returns the [NumMels, T] log-mel spectrogram of one waveform.
func (e *Extractor) Mel(wave []float32) (*tensor.Tensor, error) {
	frames := e.cfg.Frames(len(wave))
	if len(wave) <= e.cfg.Pad() || frames == 0 {
		return nil, fmt.Errorf("features: %w: %d samples", ErrShortSignal, len(wave))
	}

	out, err := tensor.Zeros([]int64{int64(e.cfg.NumMels), int64(frames)})
	if err != nil {
		return nil, err
	}

	if err := e.melInto(wave, out.RawData(), frames); err != nil {
		return nil, err
	}

	return out, nil
}

// MelBatch zero-pads waves to the longest and returns [B, NumMels, T].
func (e *Extractor) MelBatch(waves [][]float32) (*tensor.Tensor, error) {
	if len(waves) == 0 {
		return nil, errors.New("features: empty batch")
	}

	longest := 0
	for _, w := range waves {
		longest = max(longest, len(w))
	}

	frames := e.cfg.Frames(longest)
	if longest <= e.cfg.Pad() || frames == 0 {
		return nil, fmt.Errorf("features: %w: %d samples", ErrShortSignal, longest)
	}

	out, err := tensor.Zeros([]int64{int64(len(waves)), int64(e.cfg.NumMels), int64(frames)})
	if err != nil {
		return nil, err
	}

	stride := e.cfg.NumMels * frames
	padded := make([]float32, longest)

	for b, w := range waves {
		copy(padded, w)
		clear(padded[len(w):])

		if err := e.melInto(padded, out.RawData()[b*stride:(b+1)*stride], frames); err != nil {
			return nil, fmt.Errorf("utterance %d: %w", b, err)
		}
	}

	return out, nil
}

func (e *Extractor) melInto(wave []float32, dst []float32, frames int) error {
	win, err := e.window()
	if err != nil {
		return err
	}

	basis, err := e.filterbank()
	if err != nil {
		return err
	}

	nfft, hop := e.cfg.NFFT, e.cfg.Hop
	bins := nfft/2 + 1
	signal := reflectPad(wave, e.cfg.Pad())

	frame := make([]float64, nfft)
	mag := make([]float64, bins)

	for t := range frames {
		seg := signal[t*hop : t*hop+nfft]
		for n := range frame {
			frame[n] = float64(seg[n]) * win[n]
		}

		spec := fft.FFTReal(frame)
		for k := range mag {
			re, im := real(spec[k]), imag(spec[k])
			mag[k] = math.Sqrt(re*re + im*im + magnitudeEps)
		}

		for m := range e.cfg.NumMels {
			row := basis[m*bins : (m+1)*bins]

			var sum float64
			for k, w := range row {
				sum += w * mag[k]
			}

			dst[m*frames+t] = float32(math.Log(max(sum, logFloor)))
		}
	}

	return nil
}

// window returns the periodic Hann window of length Win, zero-padded and
// centred to NFFT.
func (e *Extractor) window() ([]float64, error) {
	key := TableKey{kind: "hann", nfft: e.cfg.NFFT, win: e.cfg.Win}

	return e.tables.GetOrBuild(key, func() ([]float64, error) {
		w := window.Hann(e.cfg.Win + 1)[:e.cfg.Win]

		out := make([]float64, e.cfg.NFFT)
		copy(out[(e.cfg.NFFT-e.cfg.Win)/2:], w)

		return out, nil
	})
}

func (e *Extractor) filterbank() ([]float64, error) {
	key := TableKey{
		kind:       "mel",
		sampleRate: e.cfg.SampleRate,
		nfft:       e.cfg.NFFT,
		mels:       e.cfg.NumMels,
		fmin:       e.cfg.FMin,
		fmax:       e.cfg.FMax,
	}

	return e.tables.GetOrBuild(key, func() ([]float64, error) {
		return SlaneyFilterbank(e.cfg.SampleRate, e.cfg.NFFT, e.cfg.NumMels, e.cfg.FMin, e.cfg.FMax), nil
	})
}

func reflectPad(x []float32, pad int) []float32 {
	out := make([]float32, len(x)+2*pad)
	copy(out[pad:], x)

	for i := range pad {
		out[pad-1-i] = x[i+1]
		out[pad+len(x)+i] = x[len(x)-2-i]
	}

	return out
}

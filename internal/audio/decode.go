// Package audio reads speech prompts and writes synthesized waveforms.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Output format of synthesized audio.
const (
	DefaultSampleRate = 16000
	OutputChannels    = 1
	OutputBitDepth    = 16
)

var (
	// ErrFormatMismatch is returned when decoded audio does not match the
	// rate the codec expects.
	ErrFormatMismatch = errors.New("audio format mismatch")
	// ErrUnknownFormat is returned for input that is neither WAV nor MP3.
	ErrUnknownFormat = errors.New("unknown audio format")
)

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Decode sniffs WAV or MP3 data and decodes it to mono.
func Decode(data []byte) (Clip, error) {
	switch {
	case len(data) == 0:
		return Clip{}, errors.New("empty audio input")
	case bytes.HasPrefix(data, []byte("RIFF")):
		return DecodeWAV(data)
	case bytes.HasPrefix(data, []byte("ID3")), len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return DecodeMP3(data)
	default:
		return Clip{}, ErrUnknownFormat
	}
}

// DecodeWAV decodes PCM WAV of any rate and channel count, averaging
// channels to mono.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("reading PCM data: %w", err)
	}

	return Clip{
		Samples:    downmix(buf.Data, int(dec.NumChans)),
		SampleRate: int(dec.SampleRate),
	}, nil
}

// DecodeMP3 decodes an MP3 stream. The decoder always yields 16-bit stereo.
func DecodeMP3(data []byte) (Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Clip{}, fmt.Errorf("open MP3: %w", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return Clip{}, fmt.Errorf("reading MP3 frames: %w", err)
	}

	if len(raw) == 0 {
		return Clip{}, errors.New("MP3 stream has no frames")
	}

	const channels = 2

	interleaved := make([]float32, len(raw)/2)
	for i := range interleaved {
		v := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		interleaved[i] = float32(v) / 32768
	}

	return Clip{Samples: downmix(interleaved, channels), SampleRate: dec.SampleRate()}, nil
}

// LoadPrompt reads a WAV or MP3 prompt and checks it is at sampleRate.
func LoadPrompt(path string, sampleRate int) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt: %w", err)
	}

	clip, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode prompt %s: %w", path, err)
	}

	if clip.SampleRate != sampleRate {
		return nil, fmt.Errorf("%w: prompt %s is %d Hz, want %d", ErrFormatMismatch, path, clip.SampleRate, sampleRate)
	}

	if len(clip.Samples) == 0 {
		return nil, fmt.Errorf("prompt %s has no samples", path)
	}

	return clip.Samples, nil
}

func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}

	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}

		out[i] = sum / float32(channels)
	}

	return out
}

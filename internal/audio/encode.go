package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAV encodes mono float32 PCM as 16-bit WAV at sampleRate.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	sw := &seekBuffer{}
	if err := writeWAV(sw, samples, sampleRate); err != nil {
		return nil, err
	}

	return sw.data, nil
}

// WriteWAVFile writes samples to path as 16-bit mono WAV.
func WriteWAVFile(path string, samples []float32, sampleRate int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	return writeWAV(f, samples, sampleRate)
}

func writeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate < 1 {
		return fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	enc := wav.NewEncoder(w, sampleRate, OutputBitDepth, OutputChannels, 1) // 1 = PCM

	pcm := &goaudio.Float32Buffer{
		Data:           clip(samples),
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: OutputChannels},
		SourceBitDepth: OutputBitDepth,
	}

	if err := enc.Write(pcm); err != nil {
		return fmt.Errorf("writing PCM: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing encoder: %w", err)
	}

	return nil
}

// clip bounds samples to [-1, 1] and maps NaN to silence.
func clip(samples []float32) []float32 {
	out := make([]float32, len(samples))

	for i, s := range samples {
		switch {
		case s != s:
			out[i] = 0
		case s > 1:
			out[i] = 1
		case s < -1:
			out[i] = -1
		default:
			out[i] = s
		}
	}

	return out
}

// seekBuffer is an in-memory io.WriteSeeker for the WAV encoder, which
// patches the header sizes after writing the data.
type seekBuffer struct {
	data []byte
	pos  int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.data) {
		s.data = append(s.data, make([]byte, end-len(s.data))...)
	}

	n := copy(s.data[s.pos:], p)
	s.pos += n

	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64

	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(s.pos) + offset
	case io.SeekEnd:
		pos = int64(len(s.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	if pos < 0 {
		return 0, errors.New("seek before start")
	}

	s.pos = int(pos)

	return pos, nil
}

package safetensors

import (
	"fmt"
	"strconv"
)

// LatentsName is the tensor name used for prompt latent files.
const LatentsName = "latents"

// FramesKey is the metadata entry holding the valid frame count of a
// latent file.
const FramesKey = "frames"

// LoadLatents loads a prompt latent sequence and returns it as [1, C, T].
// A [C, T] tensor gains a batch axis. The tensor named LatentsName is used
// when present, otherwise the first tensor in name order. A FramesKey
// metadata entry trims the sequence to its valid frames.
func LoadLatents(path string) (*Tensor, error) {
	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	name := LatentsName
	if !store.Has(name) {
		names := store.Names()
		if len(names) == 0 {
			return nil, fmt.Errorf("safetensors: %s holds no tensors", path)
		}

		name = names[0]
	}

	t, err := store.Tensor(name)
	if err != nil {
		return nil, err
	}

	switch len(t.Shape) {
	case 2:
		t.Shape = []int64{1, t.Shape[0], t.Shape[1]}
	case 3:
		if t.Shape[0] != 1 {
			return nil, fmt.Errorf("safetensors: latents %q hold %d sequences, want 1", name, t.Shape[0])
		}
	default:
		return nil, fmt.Errorf("safetensors: latents %q have shape %v, want [C, T] or [1, C, T]", name, t.Shape)
	}

	raw, ok := store.Metadata()[FramesKey]
	if !ok {
		return t, nil
	}

	frames, err := strconv.Atoi(raw)
	if err != nil || frames < 1 || int64(frames) > t.Shape[2] {
		return nil, fmt.Errorf("safetensors: %s: %s=%q outside [1, %d]", path, FramesKey, raw, t.Shape[2])
	}

	return trimFrames(t, frames), nil
}

// trimFrames keeps the first frames columns of a [1, C, T] tensor.
func trimFrames(t *Tensor, frames int) *Tensor {
	channels, width := int(t.Shape[1]), int(t.Shape[2])
	if frames == width {
		return t
	}

	data := make([]float32, 0, channels*frames)
	for c := range channels {
		data = append(data, t.Data[c*width:c*width+frames]...)
	}

	return &Tensor{Name: t.Name, Shape: []int64{1, int64(channels), int64(frames)}, Data: data}
}

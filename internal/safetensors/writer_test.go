package safetensors

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestWriteFile_RoundTripWithMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "align.safetensors")

	tensors := []Tensor{
		{Name: "durations", Shape: []int64{1, 3}, Data: []float32{2, 2, 1}},
		{Name: "alignment", Shape: []int64{1, 3, 5}, Data: make([]float32, 15)},
	}

	if err := WriteFile(path, tensors, map[string]string{"frames": "5"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	if names := store.Names(); len(names) != 2 || names[0] != "alignment" || names[1] != "durations" {
		t.Fatalf("Names() = %v", names)
	}

	if got := store.Metadata()["frames"]; got != "5" {
		t.Fatalf("metadata frames = %q", got)
	}

	durs, err := store.Tensor("durations")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	for i, want := range []float32{2, 2, 1} {
		if durs.Data[i] != want {
			t.Fatalf("durations = %v", durs.Data)
		}
	}
}

func TestEncode_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		tensors []Tensor
	}{
		{"empty", nil},
		{"blank name", []Tensor{{Name: " ", Shape: []int64{1}, Data: []float32{1}}}},
		{"reserved name", []Tensor{{Name: "__metadata__", Shape: []int64{1}, Data: []float32{1}}}},
		{"duplicate", []Tensor{
			{Name: "x", Shape: []int64{1}, Data: []float32{1}},
			{Name: "x", Shape: []int64{1}, Data: []float32{2}},
		}},
		{"shape mismatch", []Tensor{{Name: "x", Shape: []int64{1, 2}, Data: []float32{1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.tensors, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadLatents(t *testing.T) {
	dir := t.TempDir()

	twoD := filepath.Join(dir, "prompt2d.safetensors")
	if err := WriteFile(twoD, []Tensor{{Name: "z", Shape: []int64{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}}}, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadLatents(twoD)
	if err != nil {
		t.Fatalf("LoadLatents: %v", err)
	}

	if len(got.Shape) != 3 || got.Shape[0] != 1 || got.Shape[1] != 2 || got.Shape[2] != 3 {
		t.Fatalf("shape = %v; want [1 2 3]", got.Shape)
	}

	named := filepath.Join(dir, "named.safetensors")
	if err := WriteFile(named, []Tensor{
		{Name: "a", Shape: []int64{1}, Data: []float32{0}},
		{Name: LatentsName, Shape: []int64{1, 1, 2}, Data: []float32{7, 8}},
	}, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err = LoadLatents(named)
	if err != nil {
		t.Fatalf("LoadLatents: %v", err)
	}

	if got.Data[0] != 7 {
		t.Fatalf("picked %q data %v; want latents", got.Name, got.Data)
	}

	padded := filepath.Join(dir, "padded.safetensors")
	if err := WriteFile(padded, []Tensor{
		{Name: LatentsName, Shape: []int64{1, 2, 3}, Data: []float32{1, 2, 0, 4, 5, 0}},
	}, map[string]string{FramesKey: "2"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err = LoadLatents(padded)
	if err != nil {
		t.Fatalf("LoadLatents: %v", err)
	}

	if !slices.Equal(got.Shape, []int64{1, 2, 2}) || !slices.Equal(got.Data, []float32{1, 2, 4, 5}) {
		t.Fatalf("trimmed latents = %v %v", got.Shape, got.Data)
	}

	overlong := filepath.Join(dir, "overlong.safetensors")
	if err := WriteFile(overlong, []Tensor{
		{Name: LatentsName, Shape: []int64{1, 1, 2}, Data: []float32{1, 2}},
	}, map[string]string{FramesKey: "3"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadLatents(overlong); err == nil {
		t.Fatal("expected error for frames beyond the sequence")
	}

	batched := filepath.Join(dir, "batched.safetensors")
	if err := WriteFile(batched, []Tensor{{Name: "z", Shape: []int64{2, 1, 1}, Data: []float32{1, 2}}}, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadLatents(batched); err == nil {
		t.Fatal("expected error for batched latents")
	}

	if _, err := LoadLatents(filepath.Join(dir, "missing.safetensors")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file error = %v", err)
	}
}

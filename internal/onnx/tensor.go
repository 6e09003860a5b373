package onnx

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/example/go-ns2/internal/mask"
	"github.com/example/go-ns2/internal/runtime/tensor"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a graph input or output. Float tensors convert to and from the
// pipeline's *tensor.Tensor; int64 tensors carry tokens and lengths.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	t := &Tensor{shape: append([]int64(nil), shape...)}

	var zero T
	switch any(zero).(type) {
	case float32:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}

		t.dtype, t.data = DTypeFloat32, converted
	default:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}

		t.dtype, t.data = DTypeInt64, converted
	}

	return t, nil
}

// NewZeroTensor builds a zero tensor from a manifest dtype and shape.
// Symbolic dimensions resolve to 1.
func NewZeroTensor(dtype string, shape []any) (*Tensor, error) {
	canonical, err := canonicalDType(dtype)
	if err != nil {
		return nil, err
	}

	resolved, err := resolveShape(shape)
	if err != nil {
		return nil, err
	}

	count, err := elementCount(resolved)
	if err != nil {
		return nil, err
	}

	if canonical == DTypeInt64 {
		return NewTensor(make([]int64, count), resolved)
	}

	return NewTensor(make([]float32, count), resolved)
}

// FromTensor copies a pipeline tensor into a float32 graph tensor.
func FromTensor(t *tensor.Tensor) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("onnx: nil tensor")
	}

	return NewTensor(t.Data(), t.Shape())
}

// ToTensor copies a float32 graph tensor into a pipeline tensor.
func (t *Tensor) ToTensor() (*tensor.Tensor, error) {
	data, err := ExtractFloat32(t)
	if err != nil {
		return nil, err
	}

	return tensor.New(data, t.shape)
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

func ExtractFloat32(t *Tensor) ([]float32, error) {
	if t == nil {
		return nil, errors.New("expected float32 tensor, got nil")
	}

	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}

	return append([]float32(nil), data...), nil
}

// tokensTensor packs padded token rows into [B, T] int64.
func tokensTensor(tokens [][]int64) (*Tensor, error) {
	if len(tokens) == 0 {
		return nil, errors.New("onnx: empty token batch")
	}

	width := len(tokens[0])
	flat := make([]int64, 0, len(tokens)*width)

	for i, row := range tokens {
		if len(row) != width {
			return nil, fmt.Errorf("onnx: token row %d has width %d, want %d", i, len(row), width)
		}

		flat = append(flat, row...)
	}

	return NewTensor(flat, []int64{int64(len(tokens)), int64(width)})
}

// maskTensor packs a prefix mask into [B, T] float32 with 1 for valid
// positions.
func maskTensor(m [][]bool) (*Tensor, error) {
	if len(m) == 0 {
		return nil, errors.New("onnx: empty mask")
	}

	width := len(m[0])
	for i, row := range m {
		if len(row) != width {
			return nil, fmt.Errorf("onnx: mask row %d has width %d, want %d", i, len(row), width)
		}
	}

	f, err := mask.Float(mask.Lengths(m), width)
	if err != nil {
		return nil, fmt.Errorf("onnx: mask: %w", err)
	}

	return FromTensor(f)
}

func lengthsTensor(lengths []int) (*Tensor, error) {
	data := make([]int64, len(lengths))
	for i, l := range lengths {
		data[i] = int64(l)
	}

	return NewTensor(data, []int64{int64(len(lengths))})
}

func canonicalDType(raw string) (TensorDType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")

	switch normalized {
	case "float", "float32":
		return DTypeFloat32, nil
	case "int64", "long":
		return DTypeInt64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

func resolveShape(shape []any) ([]int64, error) {
	out := make([]int64, len(shape))

	for i, dim := range shape {
		switch v := dim.(type) {
		case float64:
			if v < 1 || v != math.Trunc(v) {
				return nil, fmt.Errorf("shape[%d]=%v is not a positive integer", i, v)
			}

			out[i] = int64(v)
		case int:
			if v < 1 {
				return nil, fmt.Errorf("shape[%d]=%d is not positive", i, v)
			}

			out[i] = int64(v)
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("shape[%d] has empty symbolic dimension", i)
			}

			out[i] = 1
		default:
			return nil, fmt.Errorf("shape[%d] has unsupported type %T", i, dim)
		}
	}

	return out, nil
}

func validateShapeAgainstData(shape []int64, dataLen int) error {
	count, err := elementCount(shape)
	if err != nil {
		return err
	}

	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}

	return nil
}

// elementCount allows zero-sized dimensions, which empty batches produce.
func elementCount(shape []int64) (int, error) {
	count := int64(1)

	for i, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("shape[%d]=%d is negative", i, dim)
		}

		if dim > 0 && count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		count *= dim
	}

	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}

	return int(count), nil
}

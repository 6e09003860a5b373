// Package safetensors reads and writes the safetensors container used for
// checkpoints, prompt latents and alignment dumps.
//
// Layout: 8-byte little-endian header length, JSON header, raw tensor data.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
	dtypeI32  = "I32"
	dtypeI64  = "I64"

	metadataKey = "__metadata__"
)

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// splitHeader returns the offset of the data section and the raw header
// fields keyed by tensor name.
func splitHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	dataStart := 8 + int(headerLen)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data[8:dataStart], &fields); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return dataStart, fields, nil
}

func (e headerEntry) validate(name string) error {
	if _, err := dtypeSize(e.DType); err != nil {
		return fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	if e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] {
		return fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, e.Offsets)
	}

	for _, d := range e.Shape {
		if d < 0 {
			return fmt.Errorf("safetensors: tensor %q has negative dimension in %v", name, e.Shape)
		}
	}

	return nil
}

func elementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d", d)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func dtypeSize(dtype string) (int, error) {
	switch strings.ToUpper(dtype) {
	case dtypeF32, dtypeI32:
		return 4, nil
	case dtypeF16, dtypeBF16:
		return 2, nil
	case dtypeI64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// decodeFloats widens any supported dtype to float32. Integer tensors hold
// token ids or frame counts, which are exact in float32 for realistic sizes.
func decodeFloats(raw []byte, dtype string, n int) ([]float32, error) {
	size, err := dtypeSize(dtype)
	if err != nil {
		return nil, err
	}

	if len(raw) < n*size {
		return nil, fmt.Errorf("need %d bytes for %s, got %d", n*size, dtype, len(raw))
	}

	out := make([]float32, n)

	switch strings.ToUpper(dtype) {
	case dtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtypeF16:
		for i := range out {
			out[i] = halfToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case dtypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	case dtypeI32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case dtypeI64:
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}

	return out, nil
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign << 31)
	case exp == 0:
		// subnormal
		e := int32(-14)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}

		frac &= 0x03ff

		return math.Float32frombits(sign<<31 | uint32(e+127)<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign<<31 | 0x7f800000 | frac<<13)
	default:
		return math.Float32frombits(sign<<31 | (exp+127-15)<<23 | frac<<13)
	}
}

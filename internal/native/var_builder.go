// Package native holds the parameter tables the conditioning pipeline
// evaluates in process: the pitch embedding and the speaker embedding.
package native

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/example/go-ns2/internal/safetensors"
)

// VarBuilder resolves dotted parameter names against a checkpoint store.
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

// OpenVarBuilder opens a checkpoint file.
func OpenVarBuilder(path string, opts safetensors.StoreOptions) (*VarBuilder, error) {
	store, err := safetensors.OpenStore(path, opts)
	if err != nil {
		return nil, err
	}

	return NewVarBuilder(store), nil
}

// NewVarBuilder wraps an open store.
func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

// Path returns a builder scoped under the given name parts.
func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix != "" {
			prefix += "."
		}

		prefix += part
	}

	return &VarBuilder{store: vb.store, prefix: prefix}
}

func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.store == nil {
		return false
	}

	return vb.store.Has(vb.resolve(name))
}

// Tensor loads a parameter, checking its shape when wantShape is given. A
// negative entry in wantShape matches any size.
func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("native: var builder has no store")
	}

	full := vb.resolve(name)

	st, err := vb.store.Tensor(full)
	if err != nil {
		return nil, err
	}

	if len(wantShape) > 0 && !matchShape(st.Shape, wantShape) {
		return nil, fmt.Errorf("native: parameter %q shape %v does not match expected %v", full, st.Shape, wantShape)
	}

	t, err := tensor.New(st.Data, st.Shape)
	if err != nil {
		return nil, fmt.Errorf("native: parameter %q: %w", full, err)
	}

	return t, nil
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)

	switch {
	case vb.prefix == "":
		return name
	case name == "":
		return vb.prefix
	default:
		return vb.prefix + "." + name
	}
}

func matchShape(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		if want[i] >= 0 && got[i] != want[i] {
			return false
		}
	}

	return true
}

package safetensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Tensor is a named tensor decoded to float32.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// KeyMapper renames a stored tensor. Returning keep=false drops it.
type KeyMapper func(name string) (mapped string, keep bool)

// StripPrefix drops a leading prefix such as "module." left behind by
// data-parallel training wrappers. Names without the prefix are kept as is.
func StripPrefix(prefix string) KeyMapper {
	return func(name string) (string, bool) {
		return strings.TrimPrefix(name, prefix), true
	}
}

// StoreOptions control how tensor names are exposed.
type StoreOptions struct {
	KeyMapper KeyMapper
	// Strict turns dropped tensors and name collisions into errors.
	Strict bool
}

// Store indexes a safetensors payload and decodes tensors on demand.
type Store struct {
	raw      []byte
	entries  map[string]storeEntry
	names    []string
	metadata map[string]string
}

type storeEntry struct {
	original string
	dtype    string
	shape    []int64
	start    int
	end      int
}

// OpenStore reads a safetensors file into memory.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

// OpenStoreFromBytes indexes an in-memory safetensors payload.
func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	mapper := opts.KeyMapper
	if mapper == nil {
		mapper = func(name string) (string, bool) { return name, true }
	}

	dataStart, fields, err := splitHeader(data)
	if err != nil {
		return nil, err
	}

	s := &Store{
		raw:      data,
		entries:  make(map[string]storeEntry, len(fields)),
		metadata: map[string]string{},
	}

	originals := make([]string, 0, len(fields))
	for name := range fields {
		originals = append(originals, name)
	}

	sort.Strings(originals)

	for _, original := range originals {
		if original == metadataKey {
			if err := json.Unmarshal(fields[original], &s.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}

			continue
		}

		if err := s.index(original, fields[original], dataStart, mapper, opts.Strict); err != nil {
			return nil, err
		}
	}

	if len(s.entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(s.names)

	return s, nil
}

func (s *Store) index(original string, raw json.RawMessage, dataStart int, mapper KeyMapper, strict bool) error {
	var e headerEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("safetensors: decode header entry %q: %w", original, err)
	}

	if err := e.validate(original); err != nil {
		return err
	}

	mapped, keep := mapper(original)
	if !keep {
		if strict {
			return fmt.Errorf("safetensors: strict mapping rejected tensor %q", original)
		}

		return nil
	}

	mapped = strings.TrimSpace(mapped)
	if mapped == "" {
		return fmt.Errorf("safetensors: mapped name for %q is empty", original)
	}

	if _, exists := s.entries[mapped]; exists {
		if strict {
			return fmt.Errorf("safetensors: strict mapping collision for %q", mapped)
		}

		return nil
	}

	start, end := dataStart+e.Offsets[0], dataStart+e.Offsets[1]
	if end > len(s.raw) {
		return fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", original, start, end, len(s.raw))
	}

	n, err := elementCount(e.Shape)
	if err != nil {
		return fmt.Errorf("safetensors: tensor %q: %w", original, err)
	}

	size, _ := dtypeSize(e.DType)
	if end-start < int(n)*size {
		return fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", original, int(n)*size, end-start)
	}

	s.entries[mapped] = storeEntry{
		original: original,
		dtype:    strings.ToUpper(e.DType),
		shape:    append([]int64(nil), e.Shape...),
		start:    start,
		end:      end,
	}
	s.names = append(s.names, mapped)

	return nil
}

// Names returns the exposed tensor names in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

// Metadata returns the free-form string metadata of the file.
func (s *Store) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}

	return out
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Tensor decodes one tensor.
func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarize(s.names))
	}

	n, err := elementCount(e.shape)
	if err != nil {
		return nil, err
	}

	data, err := decodeFloats(s.raw[e.start:e.end], e.dtype, int(n))
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{Name: name, Shape: append([]int64(nil), e.shape...), Data: data}, nil
}

func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.names = nil
}

func summarize(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const limit = 8
	if len(names) <= limit {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:limit], ", ") + ", ..."
}

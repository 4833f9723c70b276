package checkpoint

import (
	"fmt"

	"github.com/born-ml/ckptconv/internal/tensor"
)

// Value is one node of a decoded checkpoint tree.
// The set of implementations is closed: *Tensor, Bytes, *Mapping and *Other.
type Value interface {
	// Describe returns a short human-readable summary used in logs and errors.
	Describe() string
	sealed()
}

// Tensor is a tensor leaf.
type Tensor struct {
	Raw *tensor.RawTensor
}

// NewTensor wraps raw as a tree value.
func NewTensor(raw *tensor.RawTensor) *Tensor {
	return &Tensor{Raw: raw}
}

// Describe implements Value.
func (t *Tensor) Describe() string {
	return fmt.Sprintf("tensor %s%v", t.Raw.DType(), []int(t.Raw.Shape()))
}

func (*Tensor) sealed() {}

// Bytes is an opaque byte blob, typically an embedded serialized object.
type Bytes []byte

// Describe implements Value.
func (b Bytes) Describe() string {
	return fmt.Sprintf("bytes[%d]", len(b))
}

func (Bytes) sealed() {}

// OtherKind says what an Other value was in the source checkpoint.
type OtherKind string

// Known kinds of Other values.
const (
	OtherNone   OtherKind = "none"
	OtherScalar OtherKind = "scalar"
	OtherList   OtherKind = "list"
	OtherObject OtherKind = "object"
)

// Other is a non-tensor, non-mapping value kept only for inspection.
type Other struct {
	Kind OtherKind
	Desc string
}

// Describe implements Value.
func (o *Other) Describe() string {
	if o.Desc == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s %s", o.Kind, o.Desc)
}

func (*Other) sealed() {}

// Mapping is an insertion-ordered mapping from names to values.
// Names are unique; setting an existing name replaces its value in place.
type Mapping struct {
	keys   []string
	values map[string]Value
}

// NewMapping creates an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{values: make(map[string]Value)}
}

// Describe implements Value.
func (m *Mapping) Describe() string {
	return fmt.Sprintf("mapping[%d]", m.Len())
}

func (*Mapping) sealed() {}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	return len(m.keys)
}

// Get returns the value stored under key.
func (m *Mapping) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set stores v under key.
func (m *Mapping) Set(key string, v Value) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete removes key and reports whether it was present.
func (m *Mapping) Delete(key string) bool {
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the keys in insertion order.
func (m *Mapping) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *Mapping) Range(fn func(key string, v Value) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Take moves every entry out of m into a fresh mapping and leaves m empty.
func (m *Mapping) Take() *Mapping {
	out := &Mapping{keys: m.keys, values: m.values}
	m.keys = nil
	m.values = make(map[string]Value)
	return out
}

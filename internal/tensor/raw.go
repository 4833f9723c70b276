package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RawTensor is a tensor with a contiguous, little-endian, row-major buffer.
//
// A RawTensor owns its buffer. Pipeline stages hand tensors to each other by
// pointer; the only stage that allocates a new buffer is precision conversion,
// which releases the source buffer once the converted one is built.
type RawTensor struct {
	data  []byte
	shape Shape
	dtype DataType
}

// NewRaw creates a new RawTensor with the given shape and type.
// Memory is allocated and zeroed.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("unsupported data type %d", int(dtype))
	}
	size, err := shape.ByteSize(dtype.Size())
	if err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	return &RawTensor{
		data:  make([]byte, size),
		shape: shape.Clone(),
		dtype: dtype,
	}, nil
}

// FromBytes wraps data as a RawTensor without copying.
// The tensor takes ownership of data; callers must not modify it afterwards.
func FromBytes(shape Shape, dtype DataType, data []byte) (*RawTensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("unsupported data type %d", int(dtype))
	}
	want, err := shape.ByteSize(dtype.Size())
	if err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != want {
		return nil, fmt.Errorf("buffer holds %d bytes, shape %v of %s needs %d", len(data), shape, dtype, want)
	}

	return &RawTensor{
		data:  data,
		shape: shape.Clone(),
		dtype: dtype,
	}, nil
}

// FromFloat32 builds a Float32 tensor from values.
func FromFloat32(shape Shape, values []float32) (*RawTensor, error) {
	if shape.NumElements() != len(values) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, shape.NumElements(), len(values))
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return FromBytes(shape, Float32, data)
}

// FromFloat64 builds a Float64 tensor from values.
func FromFloat64(shape Shape, values []float64) (*RawTensor, error) {
	if shape.NumElements() != len(values) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, shape.NumElements(), len(values))
	}
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return FromBytes(shape, Float64, data)
}

// FromInt64 builds an Int64 tensor from values.
func FromInt64(shape Shape, values []int64) (*RawTensor, error) {
	if shape.NumElements() != len(values) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, shape.NumElements(), len(values))
	}
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v)) //nolint:gosec // G115: bit-preserving reinterpretation.
	}
	return FromBytes(shape, Int64, data)
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory. Use with caution.
func (r *RawTensor) Data() []byte {
	return r.data
}

// Released reports whether the buffer has been given up.
func (r *RawTensor) Released() bool {
	return r.data == nil && r.ByteSize() > 0
}

// Release drops the buffer so the memory can be reclaimed.
// The tensor must not be used afterwards.
func (r *RawTensor) Release() {
	r.data = nil
}

// Float64At returns element i widened to float64.
// Integer and bool elements are converted numerically.
func (r *RawTensor) Float64At(i int) float64 {
	d := r.data
	switch r.dtype {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(d[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(d[i*8:]))
	case Float16:
		return float64(Float16ToFloat32(binary.LittleEndian.Uint16(d[i*2:])))
	case BFloat16:
		return float64(BFloat16ToFloat32(binary.LittleEndian.Uint16(d[i*2:])))
	case Int8:
		return float64(int8(d[i])) //nolint:gosec // G115: signed reinterpretation of stored byte.
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(d[i*2:]))) //nolint:gosec // G115: signed reinterpretation.
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(d[i*4:]))) //nolint:gosec // G115: signed reinterpretation.
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(d[i*8:]))) //nolint:gosec // G115: signed reinterpretation.
	case Uint8:
		return float64(d[i])
	case Bool:
		if d[i] != 0 {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("Float64At: unsupported dtype %s", r.dtype))
	}
}

// Float32s returns a copy of the elements converted to float32.
func (r *RawTensor) Float32s() []float32 {
	out := make([]float32, r.NumElements())
	for i := range out {
		if r.dtype == Float32 {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.data[i*4:]))
			continue
		}
		out[i] = float32(r.Float64At(i))
	}
	return out
}

package tensor

import (
	"fmt"
	"math"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
// The result is only meaningful for shapes that pass Validate.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid.
// Zero-sized dimensions are allowed: checkpoints routinely carry empty buffers.
// The element count must fit in an int.
func (s Shape) Validate() error {
	_, err := s.ByteSize(1)
	return err
}

// ByteSize returns the buffer length a shape needs at elemSize bytes per
// element, failing when a dimension is negative or the product overflows int.
func (s Shape) ByteSize(elemSize int) (int, error) {
	if elemSize < 1 {
		return 0, fmt.Errorf("invalid element size %d", elemSize)
	}
	for i, dim := range s {
		if dim < 0 {
			return 0, fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	n := 1
	for _, dim := range s {
		if dim == 0 {
			return 0, nil
		}
		if n > math.MaxInt/dim {
			return 0, fmt.Errorf("shape %v overflows the element count", []int(s))
		}
		n *= dim
	}
	if n > math.MaxInt/elemSize {
		return 0, fmt.Errorf("shape %v at %d bytes per element overflows the buffer size", []int(s), elemSize)
	}
	return n * elemSize, nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// IsContiguous reports whether strides describe a row-major layout for the shape.
// Dimensions of size 1 may carry any stride.
func (s Shape) IsContiguous(strides []int) bool {
	if len(strides) != len(s) {
		return false
	}
	want := s.ComputeStrides()
	for i := range s {
		if s[i] != 1 && strides[i] != want[i] {
			return false
		}
	}
	return true
}

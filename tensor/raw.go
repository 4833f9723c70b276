// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/ckptconv/internal/tensor"
)

// RawTensor is a contiguous tensor buffer with shape and element type.
//
// Example:
//
//	raw, _ := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32)
//	fmt.Println(raw.ByteSize()) // 24
type RawTensor = tensor.RawTensor

// DataType is a tensor element type.
type DataType = tensor.DataType

// Shape is a list of dimension sizes.
type Shape = tensor.Shape

// Element types.
const (
	Float32  = tensor.Float32
	Float64  = tensor.Float64
	Int32    = tensor.Int32
	Int64    = tensor.Int64
	Uint8    = tensor.Uint8
	Bool     = tensor.Bool
	Float16  = tensor.Float16
	BFloat16 = tensor.BFloat16
	Int8     = tensor.Int8
	Int16    = tensor.Int16
)

// NewRaw allocates a zeroed tensor.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype)
}

// FromBytes wraps data without copying; the tensor takes ownership of data.
func FromBytes(shape Shape, dtype DataType, data []byte) (*RawTensor, error) {
	return tensor.FromBytes(shape, dtype, data)
}

// FromFloat32 builds a Float32 tensor.
func FromFloat32(shape Shape, values []float32) (*RawTensor, error) {
	return tensor.FromFloat32(shape, values)
}

// ToFloat16 converts r to Float16. The source buffer is released unless r
// already holds Float16.
func ToFloat16(r *RawTensor) (*RawTensor, error) {
	return tensor.ToFloat16(r)
}

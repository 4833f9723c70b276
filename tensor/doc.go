// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the contiguous tensor buffers a conversion moves
// from checkpoint to SafeTensors file.
//
// # Overview
//
// A RawTensor owns one little-endian buffer together with its shape and
// element type. Conversions move RawTensors between stages instead of copying
// them; the only stage that allocates is the half-precision conversion.
//
// Supported element types:
//   - Float16, BFloat16, Float32, Float64
//   - Int8, Int16, Int32, Int64, Uint8
//   - Bool
//
// # Half precision
//
// ToFloat16 rounds to nearest even. Values beyond the half-precision range
// become infinities, as with torch's Tensor.half().
//
//	raw, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{0.1, 1e6})
//	half, _ := tensor.ToFloat16(raw) // raw must not be used afterwards
package tensor

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint decodes legacy PyTorch checkpoints into a tree of
// tensors and inert values.
//
// Decoding never runs code from the checkpoint. Object types the decoder
// does not know fail with a DEPENDENCY_MISSING error unless they are listed
// in DecodeOptions.AllowClasses, in which case they decode as inert values.
//
// Example:
//
//	tree, err := checkpoint.Open("model.ckpt", checkpoint.DecodeOptions{
//	    AllowClasses: []string{"pytorch_lightning.*"},
//	})
package checkpoint

import (
	"github.com/born-ml/ckptconv/internal/checkpoint"
	"github.com/born-ml/ckptconv/internal/tensor"
)

// Value is a node of a decoded checkpoint.
type Value = checkpoint.Value

// Tree node types.
type (
	Tensor  = checkpoint.Tensor
	Bytes   = checkpoint.Bytes
	Mapping = checkpoint.Mapping
	Other   = checkpoint.Other
)

// OtherKind classifies an Other value.
type OtherKind = checkpoint.OtherKind

// Other kinds.
const (
	OtherNone   = checkpoint.OtherNone
	OtherScalar = checkpoint.OtherScalar
	OtherList   = checkpoint.OtherList
	OtherObject = checkpoint.OtherObject
)

// DecodeOptions controls how a checkpoint is decoded.
type DecodeOptions = checkpoint.DecodeOptions

// Decoder turns a checkpoint file into a tree.
type Decoder = checkpoint.Decoder

// NewTensorValue wraps raw as a tree node.
func NewTensorValue(raw *tensor.RawTensor) *Tensor {
	return checkpoint.NewTensor(raw)
}

// NewMapping creates an empty ordered mapping.
func NewMapping() *Mapping {
	return checkpoint.NewMapping()
}

// Open decodes the PyTorch checkpoint at path.
func Open(path string, opts DecodeOptions) (Value, error) {
	return checkpoint.Open(path, opts)
}

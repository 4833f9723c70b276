// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader reads SafeTensors files.
//
// This package wraps the internal reader and exports it for tools that want
// to inspect or verify converted checkpoints.
//
// Example usage:
//
//	r, err := loader.Open("model.safetensors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	for _, name := range r.TensorNames() {
//	    info, _ := r.TensorInfo(name)
//	    fmt.Println(name, info.DType, info.Shape)
//	}
package loader

import (
	"github.com/born-ml/ckptconv/internal/loader"
)

// SafeTensorsReader reads a validated SafeTensors file.
type SafeTensorsReader = loader.SafeTensorsReader

// TensorInfo describes one tensor in the file header.
type TensorInfo = loader.SafeTensorInfo

// Open opens path and validates its header and tensor layout.
func Open(path string) (*SafeTensorsReader, error) {
	return loader.NewSafeTensorsReader(path)
}

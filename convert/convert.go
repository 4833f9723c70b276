// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package convert turns legacy PyTorch checkpoints into SafeTensors files.
//
// Transform runs the in-memory pipeline on a decoded tree:
//
//	unwrap state_dict -> strip optimizer -> remove pickles -> remove weights
//	-> strip metadata -> fp16 -> finalize
//
// Each optional stage is selected by one Options field. File returns the same
// pipeline wrapped with decoding, writing, progress and failure logging.
//
// Example:
//
//	out := convert.File(ctx, convert.Request{
//	    Input:   "model.ckpt",
//	    Output:  "model.safetensors",
//	    Options: convert.Options{StripOptimizer: true, UseFP16: true},
//	})
//	if out.Err != nil {
//	    log.Fatal(out.Err)
//	}
package convert

import (
	"context"

	"github.com/born-ml/ckptconv/internal/checkpoint"
	"github.com/born-ml/ckptconv/internal/convert"
	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/job"
)

// Options selects the optional pipeline stages.
type Options = convert.Options

// NonTensorPolicy decides what happens to non-tensor values at the end of the pipeline.
type NonTensorPolicy = convert.NonTensorPolicy

// Non-tensor policies.
const (
	NonTensorError = convert.NonTensorError
	NonTensorDrop  = convert.NonTensorDrop
)

// Result is the flat tensor mapping produced by Transform.
type Result = convert.Result

// Request describes one file conversion.
type Request = job.Request

// Outcome reports how a file conversion ended.
type Outcome = job.Outcome

// Status is the final disposition of a file conversion.
type Status = job.Status

// Statuses.
const (
	StatusSucceeded = job.StatusSucceeded
	StatusSkipped   = job.StatusSkipped
	StatusFailed    = job.StatusFailed
)

// ErrorKind classifies a conversion failure.
type ErrorKind = cerrors.Kind

// Error kinds.
const (
	KindFormat            = cerrors.KindFormat
	KindDependencyMissing = cerrors.KindDependencyMissing
	KindUnsupportedValue  = cerrors.KindUnsupportedValue
	KindIO                = cerrors.KindIO
)

// KindOf returns the kind of a conversion error, or "" for other errors.
func KindOf(err error) ErrorKind {
	return cerrors.KindOf(err)
}

// Transform consumes tree and returns the flat tensor mapping.
func Transform(tree checkpoint.Value, opts Options) (*Result, error) {
	return convert.Transform(tree, opts)
}

// File converts req.Input to req.Output.
func File(ctx context.Context, req Request) Outcome {
	return (&job.Runner{}).Run(ctx, req)
}

// Files converts every request on at most workers goroutines and returns
// the outcomes in request order.
func Files(ctx context.Context, reqs []Request, workers int) []Outcome {
	return (&job.Runner{}).RunAll(ctx, reqs, workers)
}

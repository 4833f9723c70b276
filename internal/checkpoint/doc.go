// Package checkpoint models a decoded legacy checkpoint as a closed set of
// value variants and decodes PyTorch pickle checkpoints into it.
//
// A decoded checkpoint is a tree of Values. Each Value is exactly one of:
//   - *Tensor: a contiguous tensor with shape and dtype
//   - Bytes: an opaque byte blob
//   - *Mapping: an insertion-ordered string-keyed mapping of Values
//   - *Other: anything else (scalars, lists, inert foreign objects)
//
// Decoding never executes code carried by the checkpoint. Object types the
// decoder does not know are either materialized as inert *Other values, when
// allowed by DecodeOptions.AllowClasses, or rejected.
//
// Example:
//
//	root, err := checkpoint.Open("model.ckpt", checkpoint.DecodeOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m, ok := root.(*checkpoint.Mapping)
package checkpoint

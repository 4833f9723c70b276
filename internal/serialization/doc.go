// Package serialization writes tensors in the SafeTensors container format.
//
// The SafeTensors format is a strict, self-describing layout that carries only
// named tensors, so loading it never executes embedded code:
//
//	Format Structure:
//	  [8 bytes: Header Size N (uint64 LE)]
//	  [N bytes: JSON header, space-padded to a multiple of 8]
//	  [Tensor data: raw little-endian bytes, contiguous, in header order]
//
// The JSON header maps each tensor name to {"dtype", "shape", "data_offsets"}
// and may carry a "__metadata__" string map. Tensors are laid out in
// lexicographic name order, so identical inputs produce identical files.
//
// Files are written atomically: data goes to a temporary sibling which is
// renamed over the destination only after a successful sync. A failed write
// never leaves a partial output behind.
//
// Example usage:
//
//	tensors := map[string]*tensor.RawTensor{"fc.weight": w}
//	if err := serialization.WriteSafeTensors("model.safetensors", tensors, nil); err != nil {
//	    log.Fatal(err)
//	}
package serialization

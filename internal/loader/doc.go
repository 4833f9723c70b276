// Package loader reads SafeTensors files produced by the converter.
//
// The reader validates the header before exposing any tensor: header size
// limits, known dtypes, and non-overlapping, in-bounds data offsets. It is
// used to inspect converted files and to verify a conversion by reading the
// output back.
//
// Example:
//
//	r, err := loader.NewSafeTensorsReader("model.safetensors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	w, err := r.LoadTensor("model.layers.0.attn.q_proj.weight")
package loader

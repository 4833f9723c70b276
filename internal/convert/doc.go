// Package convert implements the checkpoint transformation pipeline.
//
// The pipeline takes a decoded checkpoint tree and a set of independent
// boolean options and produces a flat name → tensor mapping ready for
// SafeTensors serialization. Stages always run in the same order:
//
//	unwrap → strip optimizer → remove pickles → remove weights →
//	strip metadata → fp16 → finalize
//
// Each stage takes ownership of the previous stage's mapping and returns a
// new one. Tensor buffers move between stages without copying; only the fp16
// stage allocates, and it releases each source buffer after conversion.
//
// The pipeline performs no I/O and is safe to run concurrently on distinct trees.
package convert

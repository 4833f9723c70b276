// Package job runs checkpoint conversions end to end.
//
// A Runner decodes the input, runs the transform pipeline and writes the
// SafeTensors output, reporting coarse progress milestones along the way.
// Every run ends in exactly one Status. With IgnoreErrors set, a failure is
// appended as one line to "<output>.log" and the run is reported as skipped;
// a missing dependency is never skipped this way because the remedy is to
// install or allow it, not to retry.
package job

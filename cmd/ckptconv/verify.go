package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/born-ml/ckptconv/internal/convert"
	"github.com/born-ml/ckptconv/internal/loader"
	"github.com/born-ml/ckptconv/internal/serialization"
)

// verifyCmd creates the verify command.
func verifyCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check that a SafeTensors file matches a checkpoint converted with the given options",
		ArgsUsage: "<input.ckpt> <output.safetensors>",
		Flags:     pipelineFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("expected an input checkpoint and an output file", exitFailed)
			}
			input, output := c.Args().Get(0), c.Args().Get(1)

			opts, allow, err := e.pipelineOptions(c)
			if err != nil {
				return err
			}
			tree, err := e.decoderFor(allow).Decode(input)
			if err != nil {
				return failure(err)
			}
			want, err := convert.New(opts, convert.WithLogger(e.log)).Transform(tree)
			if err != nil {
				return failure(err)
			}

			r, err := loader.NewSafeTensorsReader(output)
			if err != nil {
				return failure(err)
			}
			defer r.Close()

			mismatches, err := compare(want, r)
			if err != nil {
				return failure(err)
			}
			if len(mismatches) > 0 {
				return cli.Exit(fmt.Sprintf("%s does not match %s:\n  %s", output, input, strings.Join(mismatches, "\n  ")), exitFailed)
			}
			fmt.Fprintf(e.stdout, "verified %d tensors\n", len(want.Order))
			return nil
		},
	}
}

// compare lists every difference between the expected result and the file.
func compare(want *convert.Result, r *loader.SafeTensorsReader) ([]string, error) {
	var out []string

	expected := make(map[string]bool, len(want.Order))
	for _, name := range want.Order {
		expected[name] = true
	}
	for _, name := range r.TensorNames() {
		if !expected[name] {
			out = append(out, fmt.Sprintf("%s: unexpected tensor", name))
		}
	}

	for _, name := range want.Order {
		w := want.Tensors[name]
		info, err := r.TensorInfo(name)
		if err != nil {
			out = append(out, fmt.Sprintf("%s: missing", name))
			continue
		}
		dtype, _ := serialization.DTypeToSafeTensors(w.DType())
		if info.DType != dtype {
			out = append(out, fmt.Sprintf("%s: dtype %s, want %s", name, info.DType, dtype))
			continue
		}
		got, err := r.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		if !got.Shape().Equal(w.Shape()) {
			out = append(out, fmt.Sprintf("%s: shape %v, want %v", name, got.Shape(), w.Shape()))
			continue
		}
		if !bytes.Equal(got.Data(), w.Data()) {
			out = append(out, fmt.Sprintf("%s: data differs", name))
		}
	}
	return out, nil
}

package main

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/born-ml/ckptconv/internal/checkpoint"
	"github.com/born-ml/ckptconv/internal/convert"
	"github.com/born-ml/ckptconv/internal/loader"
)

// inspectCmd creates the inspect command.
func inspectCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the contents of a checkpoint or SafeTensors file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "allow-class", Usage: "Materialize foreign classes matching this module.Name glob as inert values"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one file", exitFailed)
			}
			path := c.Args().First()
			if strings.EqualFold(filepath.Ext(path), ".safetensors") {
				return inspectSafeTensors(e.stdout, path)
			}

			allow := e.cfg.AllowClasses
			if c.IsSet("allow-class") {
				allow = c.StringSlice("allow-class")
			}
			tree, err := e.decoderFor(allow).Decode(path)
			if err != nil {
				return failure(err)
			}
			printTree(e.stdout, tree)
			return nil
		},
	}
}

func inspectSafeTensors(w io.Writer, path string) error {
	r, err := loader.NewSafeTensorsReader(path)
	if err != nil {
		return failure(err)
	}
	defer r.Close()

	for _, k := range sortedKeys(r.Metadata()) {
		fmt.Fprintf(w, "%s: %s\n", k, r.Metadata()[k])
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tSIZE")
	var total uint64
	names := r.TensorNames()
	for _, name := range names {
		info, err := r.TensorInfo(name)
		if err != nil {
			return failure(err)
		}
		size := uint64(info.DataOffsets[1] - info.DataOffsets[0])
		total += size
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", name, info.DType, info.Shape, humanize.IBytes(size))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s tensors, %s\n", humanize.Comma(int64(len(names))), humanize.IBytes(total))
	return nil
}

// printTree writes one line per entry, marking what the pipeline stages would remove.
func printTree(w io.Writer, v checkpoint.Value) {
	var buf bytes.Buffer
	var walk func(parent, key string, v checkpoint.Value, depth int)
	walk = func(parent, key string, v checkpoint.Value, depth int) {
		indent := strings.Repeat("  ", depth)
		line := describe(v)
		if key != "" {
			line = key + ": " + line
		}
		if tag := stageTag(parent, key, v, depth); tag != "" {
			line += "  [" + tag + "]"
		}
		fmt.Fprintf(&buf, "%s%s\n", indent, line)

		if m, ok := v.(*checkpoint.Mapping); ok {
			m.Range(func(k string, child checkpoint.Value) bool {
				walk(key, k, child, depth+1)
				return true
			})
		}
	}
	walk("", "", v, 0)
	_, _ = w.Write(buf.Bytes())
}

func describe(v checkpoint.Value) string {
	switch x := v.(type) {
	case nil:
		return "nothing"
	case *checkpoint.Tensor:
		return fmt.Sprintf("%s (%s)", x.Describe(), humanize.IBytes(uint64(x.Raw.ByteSize())))
	case *checkpoint.Mapping:
		return fmt.Sprintf("mapping (%s entries)", humanize.Comma(int64(x.Len())))
	default:
		return v.Describe()
	}
}

// stageTag names the optional stage that would drop an entry. Only
// top-level and state_dict entries are candidates.
func stageTag(parent, key string, v checkpoint.Value, depth int) string {
	if depth != 1 && (depth != 2 || parent != convert.KeyStateDict) {
		return ""
	}
	switch {
	case key == convert.KeyOptimizerStates:
		return "strip-optimizer"
	case key == convert.KeyMeta:
		return "strip-metadata"
	case strings.Contains(key, "weight") || strings.Contains(key, "bias"):
		return "no-weights"
	}
	switch x := v.(type) {
	case checkpoint.Bytes:
		return "remove-pickles"
	case *checkpoint.Other:
		if x.Kind == checkpoint.OtherObject || x.Kind == checkpoint.OtherList {
			return "remove-pickles"
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

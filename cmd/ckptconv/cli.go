package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/born-ml/ckptconv/internal/checkpoint"
	"github.com/born-ml/ckptconv/internal/config"
	"github.com/born-ml/ckptconv/internal/convert"
	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/job"
	"github.com/born-ml/ckptconv/internal/logging"
)

// Exit codes.
const (
	exitFailed     = 1
	exitDependency = 3
)

// deps are the collaborators a CLI run uses. Nil fields are built from config.
type deps struct {
	stdout  io.Writer
	stderr  io.Writer
	decoder checkpoint.Decoder
	logger  *zap.Logger
}

// env is the per-run state shared by commands once Before has run.
type env struct {
	deps
	cfg *config.Config
	log *zap.Logger
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(d deps) *cli.App {
	e := &env{deps: d}
	app := &cli.App{
		Name:      "ckptconv",
		Usage:     "Convert legacy PyTorch checkpoints to SafeTensors",
		Version:   Version,
		Writer:    d.stdout,
		ErrWriter: d.stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Config file (default: ./ckptconv.yaml or ~/.config/ckptconv/ckptconv.yaml)"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level: debug|info|warn|error"},
			&cli.StringFlag{Name: "log-format", Usage: "Log format: console|json"},
		},
		Before: e.setup,
		After: func(_ *cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			convertCmd(e),
			batchCmd(e),
			inspectCmd(e),
			verifyCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// setup loads configuration and builds the logger.
func (e *env) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	e.cfg = cfg

	if e.logger != nil {
		e.log = e.logger
		return nil
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	e.log = logger
	return nil
}

func (e *env) decoderFor(allow []string) checkpoint.Decoder {
	if e.decoder != nil {
		return e.decoder
	}
	return checkpoint.TorchDecoder{Options: checkpoint.DecodeOptions{AllowClasses: allow}}
}

// pipelineFlags are shared by every command that runs the pipeline.
func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "strip-optimizer", Usage: "Remove optimizer states to reduce file size"},
		&cli.BoolFlag{Name: "remove-pickles", Usage: "Remove pickled byte blobs and opaque objects"},
		&cli.BoolFlag{Name: "no-weights", Aliases: []string{"remove-weights"}, Usage: "Exclude weight and bias parameters"},
		&cli.BoolFlag{Name: "strip-metadata", Usage: "Remove the meta entry"},
		&cli.BoolFlag{Name: "fp16", Usage: "Convert tensors to half precision"},
		&cli.StringFlag{Name: "non-tensors", Usage: "What to do with leftover non-tensor values: error|drop"},
		&cli.StringSliceFlag{Name: "allow-class", Usage: "Materialize foreign classes matching this module.Name glob as inert values"},
	}
}

// jobFlags are shared by convert and batch.
func jobFlags() []cli.Flag {
	return append(pipelineFlags(),
		&cli.BoolFlag{Name: "ignore-errors", Usage: "Log failures to <output>.log and continue"},
		&cli.BoolFlag{Name: "record-source", Usage: "Store the input's SHA-256 in the output metadata"},
	)
}

// pipelineOptions merges config with the flags the user set explicitly.
func (e *env) pipelineOptions(c *cli.Context) (convert.Options, []string, error) {
	opts := e.cfg.Convert
	boolFlag := func(name string, dst *bool) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}
	boolFlag("strip-optimizer", &opts.StripOptimizer)
	boolFlag("remove-pickles", &opts.RemovePickles)
	boolFlag("no-weights", &opts.RemoveWeights)
	boolFlag("strip-metadata", &opts.StripMetadata)
	boolFlag("fp16", &opts.UseFP16)
	if c.IsSet("non-tensors") {
		policy, err := convert.ParseNonTensorPolicy(c.String("non-tensors"))
		if err != nil {
			return convert.Options{}, nil, cli.Exit(err.Error(), exitFailed)
		}
		opts.NonTensors = policy
	}

	allow := e.cfg.AllowClasses
	if c.IsSet("allow-class") {
		allow = c.StringSlice("allow-class")
	}
	return opts, allow, nil
}

func (e *env) request(c *cli.Context, input, output string, opts convert.Options) job.Request {
	req := job.Request{
		Input:        input,
		Output:       output,
		Options:      opts,
		IgnoreErrors: e.cfg.IgnoreErrors,
		RecordSource: e.cfg.RecordSource,
	}
	if c.IsSet("ignore-errors") {
		req.IgnoreErrors = c.Bool("ignore-errors")
	}
	if c.IsSet("record-source") {
		req.RecordSource = c.Bool("record-source")
	}
	return req
}

func (e *env) runner(allow []string, progress job.ProgressFunc) *job.Runner {
	return &job.Runner{
		Decoder:  e.decoderFor(allow),
		Logger:   e.log,
		Progress: progress,
	}
}

// defaultOutput replaces the input's extension with .safetensors.
func defaultOutput(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + ".safetensors"
}

// convertCmd creates the convert command.
func convertCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert one checkpoint",
		ArgsUsage: "<input.ckpt> [output.safetensors]",
		Flags: append(jobFlags(),
			&cli.BoolFlag{Name: "progress", Aliases: []string{"p"}, Usage: "Print progress milestones"},
		),
		Action: func(c *cli.Context) error {
			input := c.Args().Get(0)
			output := c.Args().Get(1)
			if output == "" && input != "" {
				output = defaultOutput(input)
			}

			opts, allow, err := e.pipelineOptions(c)
			if err != nil {
				return err
			}

			var progress job.ProgressFunc
			if c.Bool("progress") {
				progress = func(_ string, percent int) {
					fmt.Fprintf(e.stderr, "%3d%%\n", percent)
				}
			}

			outcome := e.runner(allow, progress).Run(c.Context, e.request(c, input, output, opts))
			return e.report(outcome)
		},
	}
}

// report prints exactly one of success, skipped warning or error per outcome.
func (e *env) report(o job.Outcome) error {
	switch o.Status {
	case job.StatusSucceeded:
		fmt.Fprintf(e.stdout, "converted %s -> %s (%d tensors", o.Request.Input, o.Request.Output, o.Tensors)
		if len(o.Dropped) > 0 {
			fmt.Fprintf(e.stdout, ", dropped %s", strings.Join(o.Dropped, ", "))
		}
		fmt.Fprintln(e.stdout, ")")
		return nil
	case job.StatusSkipped:
		fmt.Fprintf(e.stderr, "warning: an error occurred but was ignored: %v\nsee log file %s for details\n", o.Err, o.LogPath)
		return nil
	default:
		return failure(o.Err)
	}
}

func failure(err error) error {
	if cerrors.Is(err, cerrors.KindDependencyMissing) {
		return cli.Exit(fmt.Sprintf("%v\nthe checkpoint stores objects from a library this tool cannot interpret; "+
			"if they are only metadata, allow them with --allow-class 'module.*' and convert again", err), exitDependency)
	}
	return cli.Exit(err.Error(), exitFailed)
}

// batchCmd creates the batch command.
func batchCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Convert several checkpoints concurrently",
		ArgsUsage: "<input.ckpt>...",
		Flags: append(jobFlags(),
			&cli.StringFlag{Name: "out-dir", Aliases: []string{"o"}, Usage: "Output directory (default: next to each input)"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"j"}, Usage: "Concurrent conversions (default: one per CPU)"},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("no input files", exitFailed)
			}
			opts, allow, err := e.pipelineOptions(c)
			if err != nil {
				return err
			}
			workers := e.cfg.Workers
			if c.IsSet("workers") {
				workers = c.Int("workers")
			}

			reqs := make([]job.Request, 0, c.NArg())
			for _, input := range c.Args().Slice() {
				output := defaultOutput(input)
				if dir := c.String("out-dir"); dir != "" {
					output = filepath.Join(dir, filepath.Base(output))
				}
				reqs = append(reqs, e.request(c, input, output, opts))
			}

			outcomes := e.runner(allow, nil).RunAll(c.Context, reqs, workers)

			var failed int
			dependency := false
			for _, o := range outcomes {
				if o.Status == job.StatusFailed {
					failed++
					dependency = dependency || cerrors.Is(o.Err, cerrors.KindDependencyMissing)
					fmt.Fprintf(e.stderr, "error: %s: %v\n", o.Request.Input, o.Err)
					continue
				}
				_ = e.report(o)
			}
			if failed > 0 {
				code := exitFailed
				if dependency {
					code = exitDependency
				}
				return cli.Exit(fmt.Sprintf("%d of %d conversions failed", failed, len(outcomes)), code)
			}
			return nil
		},
	}
}

package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/born-ml/ckptconv/internal/checkpoint"
	"github.com/born-ml/ckptconv/internal/convert"
	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/parallel"
	"github.com/born-ml/ckptconv/internal/serialization"
)

// Progress milestones, in percent.
const (
	ProgressStart       = 0
	ProgressLoaded      = 20
	ProgressTransformed = 60
	ProgressWritten     = 100
)

// LogSuffix is appended to the output path to name the failure log.
const LogSuffix = ".log"

// ErrMissingPath is returned when a request lacks an input or output path.
var ErrMissingPath = errors.New("please select input and output files")

// Status is the final disposition of a conversion.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped" // failed, logged, ignored
	StatusFailed    Status = "failed"
)

// Request describes one conversion.
type Request struct {
	Input        string
	Output       string
	Options      convert.Options
	IgnoreErrors bool
	RecordSource bool // store the input's SHA-256 in the output metadata
}

// Outcome reports how a request ended.
type Outcome struct {
	ID      string // correlates log lines of one run
	Request Request
	Status  Status
	Err     error  // nil on success
	LogPath string // failure log the error was appended to, when skipped
	Stats   convert.Stats
	Tensors int
	Dropped []string
	Elapsed time.Duration
}

// ProgressFunc receives progress milestones for input.
// RunAll may call it from several goroutines at once.
type ProgressFunc func(input string, percent int)

// Runner executes conversion requests. The zero value decodes PyTorch
// checkpoints and writes SafeTensors files.
type Runner struct {
	Decoder  checkpoint.Decoder
	Encoder  serialization.Encoder
	Logger   *zap.Logger
	Progress ProgressFunc

	now func() time.Time
}

func (r *Runner) decoder() checkpoint.Decoder {
	if r.Decoder == nil {
		return checkpoint.TorchDecoder{}
	}
	return r.Decoder
}

func (r *Runner) encoder() serialization.Encoder {
	if r.Encoder == nil {
		return serialization.FileEncoder{}
	}
	return r.Encoder
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *Runner) progress(input string, percent int) {
	if r.Progress != nil {
		r.Progress(input, percent)
	}
}

// Run performs one conversion and reports its outcome.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	out := Outcome{ID: uuid.NewString(), Request: req}
	if req.Input == "" || req.Output == "" {
		out.Status = StatusFailed
		out.Err = ErrMissingPath
		return out
	}

	log := r.logger().With(
		zap.String("job", out.ID),
		zap.String("input", req.Input),
		zap.String("output", req.Output))
	start := r.clock()
	err := r.convert(ctx, req, &out, log)
	out.Elapsed = r.clock().Sub(start)

	if err == nil {
		out.Status = StatusSucceeded
		log.Info("conversion complete",
			zap.Int("tensors", out.Tensors),
			zap.Duration("elapsed", out.Elapsed))
		return out
	}

	out.Err = err
	if !req.IgnoreErrors || cerrors.Is(err, cerrors.KindDependencyMissing) || ctx.Err() != nil {
		out.Status = StatusFailed
		log.Error("conversion failed", zap.Error(err))
		return out
	}

	logPath := req.Output + LogSuffix
	if logErr := appendFailure(logPath, r.clock(), req.Input, err); logErr != nil {
		out.Status = StatusFailed
		out.Err = fmt.Errorf("%w (failure log unavailable: %v)", err, logErr)
		log.Error("conversion failed", zap.Error(out.Err))
		return out
	}
	out.Status = StatusSkipped
	out.LogPath = logPath
	log.Warn("conversion failed, error ignored", zap.Error(err), zap.String("log", logPath))
	return out
}

func (r *Runner) convert(ctx context.Context, req Request, out *Outcome, log *zap.Logger) error {
	r.progress(req.Input, ProgressStart)
	if err := ctx.Err(); err != nil {
		return err
	}

	tree, err := r.decoder().Decode(req.Input)
	if err != nil {
		return err
	}
	r.progress(req.Input, ProgressLoaded)
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := convert.New(req.Options, convert.WithLogger(log)).Transform(tree)
	if err != nil {
		return err
	}
	out.Stats = res.Stats
	out.Tensors = len(res.Order)
	out.Dropped = res.Dropped
	r.progress(req.Input, ProgressTransformed)
	if err := ctx.Err(); err != nil {
		return err
	}

	metadata := map[string]string{"format": "pt"}
	if req.RecordSource {
		sum, err := serialization.FileChecksum(req.Input)
		if err != nil {
			return cerrors.Wrap(cerrors.KindIO, "checksum", err)
		}
		metadata["source_sha256"] = sum
	}

	if err := r.encoder().Encode(req.Output, res.Tensors, metadata); err != nil {
		return err
	}
	r.progress(req.Input, ProgressWritten)
	return nil
}

// appendFailure appends one line describing err to the log at path.
func appendFailure(path string, at time.Time, input string, err error) error {
	//nolint:gosec // G302: the failure log sits next to the output and is meant to be read.
	f, openErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr != nil {
		return openErr
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	line := fmt.Sprintf("%s %s: %s\n", at.UTC().Format(time.RFC3339), input, msg)
	if _, writeErr := f.WriteString(line); writeErr != nil {
		_ = f.Close()
		return writeErr
	}
	return f.Close()
}

// RunAll runs reqs on at most workers goroutines and returns their outcomes
// in request order. workers <= 0 means one per CPU. Requests not started
// before ctx is done fail with ctx's error.
func (r *Runner) RunAll(ctx context.Context, reqs []Request, workers int) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	ran := make([]bool, len(reqs))

	parallel.Each(ctx, len(reqs), workers, func(ctx context.Context, i int) {
		outcomes[i] = r.Run(ctx, reqs[i])
		ran[i] = true
	})

	for i := range reqs {
		if !ran[i] {
			outcomes[i] = Outcome{Request: reqs[i], Status: StatusFailed, Err: ctx.Err()}
		}
	}
	return outcomes
}

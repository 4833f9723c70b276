package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ckptconv/internal/checkpoint"
	"github.com/born-ml/ckptconv/internal/convert"
	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/loader"
	"github.com/born-ml/ckptconv/internal/serialization"
	"github.com/born-ml/ckptconv/internal/tensor"
)

type decodeFunc func(path string) (checkpoint.Value, error)

func (f decodeFunc) Decode(path string) (checkpoint.Value, error) { return f(path) }

// lightning builds a fresh Lightning-style tree per call.
func lightning(t *testing.T, names ...string) decodeFunc {
	return func(string) (checkpoint.Value, error) {
		sd := checkpoint.NewMapping()
		for i, name := range names {
			raw, err := tensor.FromFloat32(tensor.Shape{2}, []float32{float32(i), 0.5})
			require.NoError(t, err)
			sd.Set(name, checkpoint.NewTensor(raw))
		}
		root := checkpoint.NewMapping()
		root.Set("state_dict", sd)
		root.Set("epoch", &checkpoint.Other{Kind: checkpoint.OtherScalar, Desc: "3"})
		return root, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []int
}

func (r *recorder) progress(_ string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, percent)
}

func paths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "model.ckpt")
	require.NoError(t, os.WriteFile(in, []byte("checkpoint bytes"), 0o600))
	return in, filepath.Join(dir, "model.safetensors")
}

func TestRunSuccess(t *testing.T) {
	in, out := paths(t)
	rec := &recorder{}
	r := &Runner{Decoder: lightning(t, "b.weight", "a.bias"), Progress: rec.progress}

	got := r.Run(context.Background(), Request{Input: in, Output: out, Options: convert.Options{UseFP16: true}})

	require.NoError(t, got.Err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, []int{ProgressStart, ProgressLoaded, ProgressTransformed, ProgressWritten}, rec.events)
	assert.Equal(t, 2, got.Tensors)
	assert.True(t, got.Stats.Unwrapped)

	reader, err := loader.NewSafeTensorsReader(out)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, []string{"a.bias", "b.weight"}, reader.TensorNames())
	assert.Equal(t, "pt", reader.Metadata()["format"])
	info, err := reader.TensorInfo("a.bias")
	require.NoError(t, err)
	assert.Equal(t, serialization.DTypeF16, info.DType)
	assert.NoFileExists(t, out+LogSuffix)
}

func TestRunRecordsSourceChecksum(t *testing.T) {
	in, out := paths(t)
	r := &Runner{Decoder: lightning(t, "w")}

	got := r.Run(context.Background(), Request{Input: in, Output: out, RecordSource: true})
	require.NoError(t, got.Err)

	want, err := serialization.FileChecksum(in)
	require.NoError(t, err)

	reader, err := loader.NewSafeTensorsReader(out)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, want, reader.Metadata()["source_sha256"])
}

func TestRunMissingPaths(t *testing.T) {
	r := &Runner{}
	for _, req := range []Request{{Input: "a.ckpt"}, {Output: "b.safetensors"}, {}} {
		got := r.Run(context.Background(), req)
		assert.Equal(t, StatusFailed, got.Status)
		assert.ErrorIs(t, got.Err, ErrMissingPath)
	}
}

// An unwritable tensor name is only rejected by the writer, after the
// pipeline has succeeded.
func TestRunIgnoredWriteErrorIsLogged(t *testing.T) {
	in, out := paths(t)
	r := &Runner{
		Decoder: lightning(t, "ok", ""),
		now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	req := Request{Input: in, Output: out, IgnoreErrors: true}

	first := r.Run(context.Background(), req)
	assert.Equal(t, StatusSkipped, first.Status)
	assert.True(t, cerrors.Is(first.Err, cerrors.KindUnsupportedValue))
	assert.Equal(t, out+LogSuffix, first.LogPath)
	assert.NoFileExists(t, out)

	second := r.Run(context.Background(), req)
	assert.Equal(t, StatusSkipped, second.Status)

	data, err := os.ReadFile(out + LogSuffix)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 2, "each run appends one line")
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "2024-05-01T12:00:00Z "+in+": "), line)
		assert.Contains(t, line, "UNSUPPORTED_VALUE")
	}
}

func TestRunFailureWithoutIgnore(t *testing.T) {
	in, out := paths(t)
	rec := &recorder{}
	r := &Runner{
		Decoder: decodeFunc(func(string) (checkpoint.Value, error) {
			return &checkpoint.Other{Kind: checkpoint.OtherList, Desc: "list[3]"}, nil
		}),
		Progress: rec.progress,
	}

	got := r.Run(context.Background(), Request{Input: in, Output: out})

	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, cerrors.Is(got.Err, cerrors.KindFormat))
	assert.Equal(t, []int{ProgressStart, ProgressLoaded}, rec.events)
	assert.NoFileExists(t, out)
	assert.NoFileExists(t, out+LogSuffix)
}

func TestRunDependencyMissingIsNeverIgnored(t *testing.T) {
	in, out := paths(t)
	r := &Runner{Decoder: decodeFunc(func(string) (checkpoint.Value, error) {
		return nil, cerrors.NewDependencyMissing("pytorch_lightning.callbacks", "ModelCheckpoint")
	})}

	got := r.Run(context.Background(), Request{Input: in, Output: out, IgnoreErrors: true})

	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, cerrors.Is(got.Err, cerrors.KindDependencyMissing))
	assert.NoFileExists(t, out+LogSuffix)
}

func TestRunUnreadableLogFails(t *testing.T) {
	in, out := paths(t)
	require.NoError(t, os.Mkdir(out+LogSuffix, 0o755))
	r := &Runner{Decoder: decodeFunc(func(string) (checkpoint.Value, error) {
		return nil, cerrors.NewFormat("decode", "not a recognized checkpoint")
	})}

	got := r.Run(context.Background(), Request{Input: in, Output: out, IgnoreErrors: true})

	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, cerrors.Is(got.Err, cerrors.KindFormat))
}

func TestRunCancelled(t *testing.T) {
	in, out := paths(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{Decoder: decodeFunc(func(p string) (checkpoint.Value, error) {
		cancel()
		return lightning(t, "w")(p)
	})}

	got := r.Run(ctx, Request{Input: in, Output: out, IgnoreErrors: true})

	assert.Equal(t, StatusFailed, got.Status)
	assert.ErrorIs(t, got.Err, context.Canceled)
	assert.NoFileExists(t, out)
	assert.NoFileExists(t, out+LogSuffix)
}

type failingEncoder struct{}

func (failingEncoder) Encode(path string, _ map[string]*tensor.RawTensor, _ map[string]string) error {
	return cerrors.NewIO("write", path, errors.New("disk full"))
}

func TestRunEncoderError(t *testing.T) {
	in, out := paths(t)
	rec := &recorder{}
	r := &Runner{Decoder: lightning(t, "w"), Encoder: failingEncoder{}, Progress: rec.progress}

	got := r.Run(context.Background(), Request{Input: in, Output: out})

	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, cerrors.Is(got.Err, cerrors.KindIO))
	assert.Equal(t, []int{ProgressStart, ProgressLoaded, ProgressTransformed}, rec.events)
}

func TestRunAllKeepsRequestOrder(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Decoder: decodeFunc(func(p string) (checkpoint.Value, error) {
		if strings.Contains(p, "bad") {
			return nil, cerrors.NewFormat("decode", "not a recognized checkpoint")
		}
		return lightning(t, "w")(p)
	})}

	var reqs []Request
	for i := 0; i < 9; i++ {
		name := fmt.Sprintf("m%d", i)
		if i%3 == 0 {
			name = fmt.Sprintf("bad%d", i)
		}
		reqs = append(reqs, Request{
			Input:  filepath.Join(dir, name+".ckpt"),
			Output: filepath.Join(dir, name+".safetensors"),
		})
	}

	outcomes := r.RunAll(context.Background(), reqs, 3)

	require.Len(t, outcomes, len(reqs))
	for i, o := range outcomes {
		assert.Equal(t, reqs[i].Input, o.Request.Input)
		if i%3 == 0 {
			assert.Equal(t, StatusFailed, o.Status, o.Request.Input)
		} else {
			assert.Equal(t, StatusSucceeded, o.Status, o.Request.Input)
			assert.FileExists(t, reqs[i].Output)
		}
	}
}

func TestRunAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := (&Runner{}).RunAll(ctx, []Request{{Input: "a", Output: "b"}, {Input: "c", Output: "d"}}, 2)

	for _, o := range outcomes {
		assert.Equal(t, StatusFailed, o.Status)
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

func TestRunAssignsDistinctIDs(t *testing.T) {
	r := &Runner{}
	a := r.Run(context.Background(), Request{})
	b := r.Run(context.Background(), Request{})

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func torchFixture(name string) string {
	return filepath.Join("..", "checkpoint", "testdata", name)
}

func TestRunTorchCheckpointRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bytes.safetensors")
	r := &Runner{}

	got := r.Run(context.Background(), Request{
		Input:   torchFixture("bytes_proto2_zip.pt"),
		Output:  out,
		Options: convert.Options{RemovePickles: true},
	})

	require.NoError(t, got.Err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Tensors)

	reader, err := loader.NewSafeTensorsReader(out)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, []string{"w"}, reader.TensorNames())
	raw, err := reader.LoadTensor("w")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, raw.Float32s())
}

func TestRunTorchLightningToFP16(t *testing.T) {
	out := filepath.Join(t.TempDir(), "lightning.safetensors")
	r := &Runner{}

	got := r.Run(context.Background(), Request{
		Input:   torchFixture("lightning_proto2_zip.pt"),
		Output:  out,
		Options: convert.Options{UseFP16: true},
	})

	require.NoError(t, got.Err)
	assert.True(t, got.Stats.Unwrapped)

	reader, err := loader.NewSafeTensorsReader(out)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, []string{"layer.bias", "layer.weight"}, reader.TensorNames())
	raw, err := reader.LoadTensor("layer.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, raw.DType())
	assert.Equal(t, []float32{1, 2, 3, 4}, raw.Float32s())
}

func TestRunTorchBytesWithoutRemovalAreIgnorable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bytes.safetensors")
	r := &Runner{}

	got := r.Run(context.Background(), Request{
		Input:        torchFixture("bytes_proto2_zip.pt"),
		Output:       out,
		IgnoreErrors: true,
	})

	assert.Equal(t, StatusSkipped, got.Status)
	assert.True(t, cerrors.Is(got.Err, cerrors.KindUnsupportedValue), "got %v", got.Err)
	assert.FileExists(t, out+LogSuffix)
	assert.NoFileExists(t, out)
}

func TestRunTorchOverflowingShapeWritesNothing(t *testing.T) {
	out := filepath.Join(t.TempDir(), "huge.safetensors")
	r := &Runner{}

	got := r.Run(context.Background(), Request{
		Input:        torchFixture("stride0_overflow_proto2_zip.pt"),
		Output:       out,
		IgnoreErrors: true,
	})

	assert.Equal(t, StatusSkipped, got.Status)
	assert.True(t, cerrors.Is(got.Err, cerrors.KindFormat), "got %v", got.Err)
	assert.NoFileExists(t, out)
}

func TestRunTorchTarArchiveIsIgnorable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "legacy.safetensors")
	r := &Runner{}

	got := r.Run(context.Background(), Request{
		Input:        torchFixture("legacy.tar"),
		Output:       out,
		IgnoreErrors: true,
	})

	assert.Equal(t, StatusSkipped, got.Status)
	assert.True(t, cerrors.Is(got.Err, cerrors.KindFormat), "got %v", got.Err)
	assert.FileExists(t, out+LogSuffix)
}

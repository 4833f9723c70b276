package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/tensor"
)

func rawF32(t *testing.T, shape tensor.Shape, values ...float32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.FromFloat32(shape, values)
	require.NoError(t, err)
	return raw
}

// splitFile returns the parsed header and the data section.
func splitFile(t *testing.T, data []byte) (map[string]json.RawMessage, []byte, uint64) {
	t.Helper()
	require.GreaterOrEqual(t, len(data), HeaderSizeBytes)
	n := binary.LittleEndian.Uint64(data[:HeaderSizeBytes])
	header := data[HeaderSizeBytes : HeaderSizeBytes+int(n)]

	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(header, &parsed))
	return parsed, data[HeaderSizeBytes+int(n):], n
}

func TestWriteSafeTensorsLayout(t *testing.T) {
	tensors := map[string]*tensor.RawTensor{
		"z.bias":   rawF32(t, tensor.Shape{2}, 5, 6),
		"a.weight": rawF32(t, tensor.Shape{2, 2}, 1, 2, 3, 4),
	}

	path := filepath.Join(t.TempDir(), "layout.safetensors")
	require.NoError(t, WriteSafeTensors(path, tensors, map[string]string{"format": "pt"}))
	written, err := os.ReadFile(path)
	require.NoError(t, err)

	header, data, n := splitFile(t, written)
	assert.Zero(t, n%HeaderAlignment, "header length must be padded")

	var a, z TensorMeta
	require.NoError(t, json.Unmarshal(header["a.weight"], &a))
	require.NoError(t, json.Unmarshal(header["z.bias"], &z))
	assert.Equal(t, TensorMeta{DType: DTypeF32, Shape: []int64{2, 2}, DataOffsets: [2]int64{0, 16}}, a)
	assert.Equal(t, TensorMeta{DType: DTypeF32, Shape: []int64{2}, DataOffsets: [2]int64{16, 24}}, z)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(header[MetadataKey], &meta))
	assert.Equal(t, "pt", meta["format"])

	want := append(append([]byte(nil), tensors["a.weight"].Data()...), tensors["z.bias"].Data()...)
	assert.Equal(t, want, data)
}

func TestBuildHeaderPadsWithSpaces(t *testing.T) {
	for _, name := range []string{"a", "ab", "abc", "abcd", "abcde", "abcdef", "abcdefg", "abcdefgh"} {
		header, _, err := BuildHeader(map[string]*tensor.RawTensor{name: rawF32(t, tensor.Shape{1}, 1)}, nil)
		require.NoError(t, err)
		assert.Zero(t, len(header)%HeaderAlignment, name)
		trimmed := bytes.TrimRight(header, " ")
		assert.Equal(t, byte('}'), trimmed[len(trimmed)-1], name)
	}
}

func TestBuildHeaderOmitsEmptyMetadata(t *testing.T) {
	header, _, err := BuildHeader(map[string]*tensor.RawTensor{"x": rawF32(t, tensor.Shape{1}, 1)}, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(header), MetadataKey)
}

func TestBuildHeaderDeterministic(t *testing.T) {
	build := func() []byte {
		tensors := map[string]*tensor.RawTensor{}
		for _, name := range []string{"c", "a", "b", "d", "e"} {
			tensors[name] = rawF32(t, tensor.Shape{1}, 1)
		}
		header, _, err := BuildHeader(tensors, map[string]string{"format": "pt", "source_sha256": "00"})
		require.NoError(t, err)
		return header
	}
	first := build()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, build())
	}
}

func TestBuildHeaderRejects(t *testing.T) {
	released := rawF32(t, tensor.Shape{2}, 1, 2)
	released.Release()

	tests := []struct {
		name    string
		tensors map[string]*tensor.RawTensor
	}{
		{"empty name", map[string]*tensor.RawTensor{"": rawF32(t, tensor.Shape{1}, 1)}},
		{"reserved name", map[string]*tensor.RawTensor{MetadataKey: rawF32(t, tensor.Shape{1}, 1)}},
		{"nil tensor", map[string]*tensor.RawTensor{"x": nil}},
		{"released buffer", map[string]*tensor.RawTensor{"x": released}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := BuildHeader(tt.tensors, nil)
			require.Error(t, err)
			assert.True(t, cerrors.Is(err, cerrors.KindUnsupportedValue), "got %v", err)
		})
	}
}

func TestWriteSafeTensorsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")

	require.NoError(t, WriteSafeTensors(path, map[string]*tensor.RawTensor{"w": rawF32(t, tensor.Shape{3}, 1, 2, 3)}, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, section, _ := splitFile(t, data)
	assert.Len(t, section, 12)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestWriteSafeTensorsNoPartialOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")

	err := WriteSafeTensors(path, map[string]*tensor.RawTensor{"ok": rawF32(t, tensor.Shape{1}, 1), "": rawF32(t, tensor.Shape{1}, 2)}, nil)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.KindUnsupportedValue))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteSafeTensorsMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "model.safetensors")

	err := WriteSafeTensors(path, map[string]*tensor.RawTensor{"w": rawF32(t, tensor.Shape{1}, 1)}, nil)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.KindIO))
}

func TestWriteSafeTensorsReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	require.NoError(t, FileEncoder{}.Encode(path, map[string]*tensor.RawTensor{"w": rawF32(t, tensor.Shape{1}, 1)}, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("stale"), data)
}

func TestDTypeMapping(t *testing.T) {
	for _, dt := range []tensor.DataType{
		tensor.Float16, tensor.BFloat16, tensor.Float32, tensor.Float64,
		tensor.Int8, tensor.Int16, tensor.Int32, tensor.Int64, tensor.Uint8, tensor.Bool,
	} {
		s, ok := DTypeToSafeTensors(dt)
		require.True(t, ok, dt.String())
		back, ok := SafeTensorsToDType(s)
		require.True(t, ok, s)
		assert.Equal(t, dt, back)
	}

	_, ok := SafeTensorsToDType("F8_E5M2")
	assert.False(t, ok)
}

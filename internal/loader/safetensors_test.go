package loader

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/serialization"
	"github.com/born-ml/ckptconv/internal/tensor"
)

// createTestSafeTensorsFile writes a minimal SafeTensors file by hand.
func createTestSafeTensorsFile(t *testing.T, path string, tensors map[string]SafeTensorInfo, data []byte) {
	t.Helper()

	headerMap := make(map[string]interface{})
	headerMap["__metadata__"] = map[string]string{"format": "pt"}
	for name, info := range tensors {
		headerMap[name] = info
	}

	headerJSON, err := json.Marshal(headerMap)
	require.NoError(t, err)

	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	require.NoError(t, binary.Write(file, binary.LittleEndian, uint64(len(headerJSON))))
	_, err = file.Write(headerJSON)
	require.NoError(t, err)
	_, err = file.Write(data)
	require.NoError(t, err)
}

func float32Bytes(values ...float32) []byte {
	out := make([]byte, 0, 4*len(values))
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func TestNewSafeTensorsReader(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.safetensors")
	createTestSafeTensorsFile(t, testFile, map[string]SafeTensorInfo{
		"weight": {DType: "F32", Shape: []int64{2, 3}, DataOffsets: [2]int64{0, 24}},
		"bias":   {DType: "F32", Shape: []int64{3}, DataOffsets: [2]int64{24, 36}},
	}, float32Bytes(1, 2, 3, 4, 5, 6, 0.1, 0.2, 0.3))

	reader, err := NewSafeTensorsReader(testFile)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, "pt", reader.Metadata()["format"])
	assert.Equal(t, []string{"bias", "weight"}, reader.TensorNames())
	assert.Equal(t, int64(36), reader.DataSize())

	raw, err := reader.LoadTensor("weight")
	require.NoError(t, err)
	assert.True(t, raw.Shape().Equal(tensor.Shape{2, 3}))
	assert.Equal(t, tensor.Float32, raw.DType())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, raw.Float32s())

	_, err = reader.TensorInfo("nonexistent")
	assert.Error(t, err)
}

func TestSafeTensorsReaderRejectsOverlap(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "overlap.safetensors")
	createTestSafeTensorsFile(t, testFile, map[string]SafeTensorInfo{
		"a": {DType: "F32", Shape: []int64{2}, DataOffsets: [2]int64{0, 8}},
		"b": {DType: "F32", Shape: []int64{2}, DataOffsets: [2]int64{4, 12}},
	}, float32Bytes(1, 2, 3))

	_, err := NewSafeTensorsReader(testFile)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.KindFormat))
	assert.ErrorIs(t, err, serialization.ErrOffsetOverlap)
}

func TestSafeTensorsReaderRejectsOutOfBounds(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "oob.safetensors")
	createTestSafeTensorsFile(t, testFile, map[string]SafeTensorInfo{
		"a": {DType: "F32", Shape: []int64{4}, DataOffsets: [2]int64{0, 16}},
	}, float32Bytes(1, 2))

	_, err := NewSafeTensorsReader(testFile)
	require.Error(t, err)
	assert.ErrorIs(t, err, serialization.ErrOutOfBounds)
}

func TestSafeTensorsReaderRejectsUnknownDType(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "dtype.safetensors")
	createTestSafeTensorsFile(t, testFile, map[string]SafeTensorInfo{
		"a": {DType: "F8_E4M3", Shape: []int64{4}, DataOffsets: [2]int64{0, 4}},
	}, []byte{1, 2, 3, 4})

	_, err := NewSafeTensorsReader(testFile)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.KindFormat))
}

func TestSafeTensorsReaderRejectsWrappedShape(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "huge.safetensors")
	createTestSafeTensorsFile(t, testFile, map[string]SafeTensorInfo{
		"w": {DType: "F32", Shape: []int64{1 << 30, 1 << 30, 16}, DataOffsets: [2]int64{0, 0}},
	}, nil)

	_, err := NewSafeTensorsReader(testFile)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.KindFormat))
	assert.ErrorIs(t, err, serialization.ErrShapeMismatch)
}

func TestSafeTensorsReaderRejectsShapeMismatch(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "mismatch.safetensors")
	createTestSafeTensorsFile(t, testFile, map[string]SafeTensorInfo{
		"w": {DType: "F32", Shape: []int64{3}, DataOffsets: [2]int64{0, 8}},
	}, float32Bytes(1, 2))

	_, err := NewSafeTensorsReader(testFile)
	require.Error(t, err)
	assert.ErrorIs(t, err, serialization.ErrShapeMismatch)
}

func TestSafeTensorsReaderTruncated(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(testFile, []byte{0xFF, 0xFF, 0x00}, 0o600))

	_, err := NewSafeTensorsReader(testFile)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.KindFormat))
}

func TestSafeTensorsReaderMissingFile(t *testing.T) {
	_, err := NewSafeTensorsReader(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.KindIO))
}

func TestRoundTripThroughWriter(t *testing.T) {
	w, err := tensor.FromFloat32(tensor.Shape{2, 2}, []float32{1, -2, 3.5, 0})
	require.NoError(t, err)
	ids, err := tensor.FromInt64(tensor.Shape{3}, []int64{7, -8, 9})
	require.NoError(t, err)
	half, err := tensor.FromFloat32(tensor.Shape{2}, []float32{0.1, 1000})
	require.NoError(t, err)
	half, err = tensor.ToFloat16(half)
	require.NoError(t, err)
	empty, err := tensor.NewRaw(tensor.Shape{0, 4}, tensor.Float32)
	require.NoError(t, err)

	in := map[string]*tensor.RawTensor{"fc.weight": w, "ids": ids, "half": half, "empty": empty}
	path := filepath.Join(t.TempDir(), "rt.safetensors")
	require.NoError(t, serialization.WriteSafeTensors(path, in, map[string]string{"format": "pt"}))

	reader, err := NewSafeTensorsReader(path)
	require.NoError(t, err)
	defer reader.Close()

	out, err := reader.LoadAll()
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for name, want := range in {
		got := out[name]
		require.NotNil(t, got, name)
		assert.Equal(t, want.DType(), got.DType(), name)
		assert.True(t, want.Shape().Equal(got.Shape()), name)
		assert.Equal(t, want.Data(), got.Data(), name)
	}
	assert.Equal(t, map[string]string{"format": "pt"}, reader.Metadata())
	assert.Zero(t, reader.HeaderSize()%serialization.HeaderAlignment)
}

package serialization

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/tensor"
)

// Encoder is the serializer contract: write a flat tensor mapping to path.
type Encoder interface {
	Encode(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) error
}

// FileEncoder writes SafeTensors files atomically.
type FileEncoder struct{}

// Encode implements Encoder.
func (FileEncoder) Encode(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	return WriteSafeTensors(path, tensors, metadata)
}

// WriteSafeTensors writes tensors to a SafeTensors file at path, in
// alphabetical order by name.
//
// The tensors are validated before the file is touched. The file is written to
// a temporary sibling and renamed into place, so on any error path no output
// (partial or otherwise) exists at path afterwards.
func WriteSafeTensors(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) error {
	header, names, err := BuildHeader(tensors, metadata)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return cerrors.NewIO("write", path, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return cerrors.NewIO("write", path, err)
	}

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err := writeLayout(bw, header, names, tensors); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return cerrors.NewIO("write", path, err)
	}
	//nolint:gosec // G302: output checkpoints are meant to be shared like any model file.
	_ = os.Chmod(tmpPath, 0o644)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return cerrors.NewIO("write", path, err)
	}
	return nil
}

// BuildHeader validates tensors and returns the padded JSON header together
// with the tensor names in layout order.
func BuildHeader(tensors map[string]*tensor.RawTensor, metadata map[string]string) ([]byte, []string, error) {
	if len(tensors) > MaxTensorCount {
		return nil, nil, unsupported("", &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
			Err:     ErrTooManyTensors,
		})
	}

	// Sort tensor names alphabetically
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(names)+1)
	if len(metadata) > 0 {
		header[MetadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return nil, nil, unsupported(name, err)
		}
		raw := tensors[name]
		if raw == nil {
			return nil, nil, cerrors.NewUnsupportedValue("write", name, "nil tensor")
		}
		dtype, ok := DTypeToSafeTensors(raw.DType())
		if !ok {
			return nil, nil, unsupported(name, &ValidationError{
				Type:    "unsupported_dtype",
				Tensor:  name,
				Details: fmt.Sprintf("dtype %s has no SafeTensors encoding", raw.DType()),
				Err:     ErrUnsupportedDType,
			})
		}
		size := int64(raw.ByteSize())
		if int64(len(raw.Data())) != size {
			return nil, nil, cerrors.NewUnsupportedValue("write", name,
				fmt.Sprintf("buffer holds %d bytes, shape %v needs %d", len(raw.Data()), []int(raw.Shape()), size))
		}

		shape := make([]int64, len(raw.Shape()))
		for i, dim := range raw.Shape() {
			shape[i] = int64(dim)
		}
		header[name] = TensorMeta{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, nil, cerrors.NewUnsupportedValue("write", "", fmt.Sprintf("failed to marshal header: %v", err))
	}
	if pad := len(headerJSON) % HeaderAlignment; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, HeaderAlignment-pad)...)
	}
	if len(headerJSON) > MaxHeaderSize {
		return nil, nil, unsupported("", &ValidationError{
			Type:    "header_too_large",
			Details: fmt.Sprintf("%d bytes, max %d", len(headerJSON), MaxHeaderSize),
			Err:     ErrHeaderTooLarge,
		})
	}
	return headerJSON, names, nil
}

func writeLayout(w io.Writer, header []byte, names []string, tensors map[string]*tensor.RawTensor) error {
	// Write header size (8 bytes, little-endian uint64)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(header))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(tensors[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

func unsupported(name string, err error) error {
	cErr := cerrors.NewUnsupportedValue("write", name, "rejected by container format")
	cErr.Err = err
	return cErr
}

package serialization

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/born-ml/ckptconv/internal/tensor"
)

// Validation limits for security and resource protection.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB - maximum header size
	MaxTensorCount   = 100_000           // Maximum number of tensors in a file
	MaxTensorNameLen = 4096              // Maximum tensor name length
	MaxMetadataSize  = 10 * 1024 * 1024  // 10MB - maximum metadata size
)

// NamedMeta pairs a tensor name with its header entry.
type NamedMeta struct {
	Name string
	Meta TensorMeta
}

// ValidateTensorName rejects names the container cannot hold unambiguously.
func ValidateTensorName(name string) error {
	if name == "" {
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name", Err: ErrInvalidTensorName}
	}
	if len(name) > MaxTensorNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name[:32] + "...",
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
			Err:     ErrTensorNameTooLong,
		}
	}
	if name == MetadataKey {
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "reserved header key", Err: ErrInvalidTensorName}
	}

	// Prevent null bytes (can bypass length checks in some contexts).
	if strings.Contains(name, "\x00") {
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains null byte", Err: ErrInvalidTensorName}
	}

	return nil
}

// ValidateTensorOffsets checks for overlapping tensor offsets and out-of-bounds access.
// This is critical for security - malformed files could cause memory corruption or data leakage.
func ValidateTensorOffsets(tensors []NamedMeta, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
			Err:     ErrTooManyTensors,
		}
	}

	// Sort by start, then end, so empty tensors sort ahead of a neighbour at the same offset.
	sorted := make([]NamedMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Meta.DataOffsets, sorted[j].Meta.DataOffsets
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})

	for i, t := range sorted {
		start, end := t.Meta.DataOffsets[0], t.Meta.DataOffsets[1]

		// Check for negative values (potential integer overflow attacks).
		if start < 0 || end < start {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offsets [%d, %d] (negative size not allowed)", start, end),
				Err:     ErrNegativeOffset,
			}
		}

		// Check bounds - prevent reading beyond file.
		if end > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("end %d > data_size %d", end, dataSize),
				Err:     ErrOutOfBounds,
			}
		}

		// Check for overlap with next tensor (data leakage prevention).
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if end > next.Meta.DataOffsets[0] {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.Name,
					Tensor2: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						start, end, next.Meta.DataOffsets[0], next.Meta.DataOffsets[1]),
					Err: ErrOffsetOverlap,
				}
			}
		}
	}

	return nil
}

// ValidateTensorShape checks that a header entry's shape and dtype describe
// exactly the bytes its data offsets span.
func ValidateTensorShape(t NamedMeta) error {
	dtype, ok := SafeTensorsToDType(t.Meta.DType)
	if !ok {
		return &ValidationError{
			Type:    "unsupported_dtype",
			Tensor:  t.Name,
			Details: fmt.Sprintf("dtype %q", t.Meta.DType),
			Err:     ErrUnsupportedDType,
		}
	}

	shape := make(tensor.Shape, len(t.Meta.Shape))
	for i, dim := range t.Meta.Shape {
		if dim < 0 || dim > math.MaxInt {
			return &ValidationError{
				Type:    "invalid_shape",
				Tensor:  t.Name,
				Details: fmt.Sprintf("dimension %d at index %d", dim, i),
				Err:     ErrShapeMismatch,
			}
		}
		shape[i] = int(dim)
	}
	size, err := shape.ByteSize(dtype.Size())
	if err != nil {
		return &ValidationError{Type: "invalid_shape", Tensor: t.Name, Details: err.Error(), Err: ErrShapeMismatch}
	}

	if span := t.Meta.DataOffsets[1] - t.Meta.DataOffsets[0]; int64(size) != span {
		return &ValidationError{
			Type:    "shape_mismatch",
			Tensor:  t.Name,
			Details: fmt.Sprintf("shape %v of %s needs %d bytes, offsets span %d", t.Meta.Shape, t.Meta.DType, size, span),
			Err:     ErrShapeMismatch,
		}
	}
	return nil
}

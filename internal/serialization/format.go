package serialization

import (
	"github.com/born-ml/ckptconv/internal/tensor"
)

// Format constants.
const (
	HeaderSizeBytes = 8              // uint64 little-endian header length prefix
	HeaderAlignment = 8              // header is space-padded to this multiple
	MetadataKey     = "__metadata__" // reserved header key for the string map
)

// SafeTensors dtype identifiers.
const (
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeF32  = "F32"
	DTypeF64  = "F64"
	DTypeI8   = "I8"
	DTypeI16  = "I16"
	DTypeI32  = "I32"
	DTypeI64  = "I64"
	DTypeU8   = "U8"
	DTypeBool = "BOOL"
)

// TensorMeta describes one tensor in the SafeTensors header.
type TensorMeta struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) relative to the data section
}

// DTypeToSafeTensors converts tensor.DataType to its SafeTensors identifier.
func DTypeToSafeTensors(dt tensor.DataType) (string, bool) {
	switch dt {
	case tensor.Float16:
		return DTypeF16, true
	case tensor.BFloat16:
		return DTypeBF16, true
	case tensor.Float32:
		return DTypeF32, true
	case tensor.Float64:
		return DTypeF64, true
	case tensor.Int8:
		return DTypeI8, true
	case tensor.Int16:
		return DTypeI16, true
	case tensor.Int32:
		return DTypeI32, true
	case tensor.Int64:
		return DTypeI64, true
	case tensor.Uint8:
		return DTypeU8, true
	case tensor.Bool:
		return DTypeBool, true
	default:
		return "", false
	}
}

// SafeTensorsToDType converts a SafeTensors identifier to tensor.DataType.
func SafeTensorsToDType(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeF16:
		return tensor.Float16, true
	case DTypeBF16:
		return tensor.BFloat16, true
	case DTypeF32:
		return tensor.Float32, true
	case DTypeF64:
		return tensor.Float64, true
	case DTypeI8:
		return tensor.Int8, true
	case DTypeI16:
		return tensor.Int16, true
	case DTypeI32:
		return tensor.Int32, true
	case DTypeI64:
		return tensor.Int64, true
	case DTypeU8:
		return tensor.Uint8, true
	case DTypeBool:
		return tensor.Bool, true
	default:
		return 0, false
	}
}

package loader

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/serialization"
	"github.com/born-ml/ckptconv/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo = serialization.TensorMeta

// SafeTensorsHeader is the JSON header in SafeTensors format.
type SafeTensorsHeader struct {
	Metadata map[string]string
	Tensors  map[string]SafeTensorInfo
}

// UnmarshalJSON implements custom JSON unmarshaling for SafeTensorsHeader.
func (h *SafeTensorsHeader) UnmarshalJSON(data []byte) error {
	// First parse as generic map
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	// Extract metadata
	if metadataRaw, ok := rawMap[serialization.MetadataKey]; ok {
		if len(metadataRaw) > serialization.MaxMetadataSize {
			return fmt.Errorf("metadata is %d bytes, max %d", len(metadataRaw), serialization.MaxMetadataSize)
		}
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	// Extract tensors (everything except __metadata__)
	h.Tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == serialization.MetadataKey {
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}

	return nil
}

// SafeTensorsReader reads SafeTensors format files.
type SafeTensorsReader struct {
	file       *os.File
	header     SafeTensorsHeader
	headerSize uint64
	dataOffset int64 // Offset where tensor data starts
	dataSize   int64
}

// NewSafeTensorsReader opens path and validates its header and tensor layout.
func NewSafeTensorsReader(path string) (*SafeTensorsReader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, cerrors.NewIO("open", path, err)
	}

	r, err := newReader(file, path)
	if err != nil {
		_ = file.Close() // Best effort close on error
		return nil, err
	}
	return r, nil
}

func newReader(file *os.File, path string) (*SafeTensorsReader, error) {
	formatErr := func(msg string, err error) error {
		cErr := cerrors.NewFormat("read", msg)
		cErr.Path = path
		cErr.Err = err
		return cErr
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, cerrors.NewIO("stat", path, err)
	}

	// Read header size (8 bytes, little-endian uint64)
	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, formatErr("failed to read header size", err)
	}
	if headerSize > serialization.MaxHeaderSize {
		return nil, formatErr(fmt.Sprintf("invalid header size: %d (too large)", headerSize), serialization.ErrHeaderTooLarge)
	}
	//nolint:gosec // G115: headerSize bounded by MaxHeaderSize above.
	dataOffset := int64(serialization.HeaderSizeBytes + headerSize)
	if dataOffset > stat.Size() {
		return nil, formatErr(fmt.Sprintf("header size %d exceeds file size %d", headerSize, stat.Size()), nil)
	}

	// Read header JSON
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, formatErr("failed to read header", err)
	}

	var header SafeTensorsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, formatErr("failed to parse header JSON", err)
	}

	metas := make([]serialization.NamedMeta, 0, len(header.Tensors))
	for name, info := range header.Tensors {
		if _, ok := serialization.SafeTensorsToDType(info.DType); !ok {
			return nil, formatErr(fmt.Sprintf("tensor %s: unsupported dtype %q", name, info.DType), serialization.ErrUnsupportedDType)
		}
		metas = append(metas, serialization.NamedMeta{Name: name, Meta: info})
	}
	dataSize := stat.Size() - dataOffset
	if err := serialization.ValidateTensorOffsets(metas, dataSize); err != nil {
		return nil, formatErr("invalid tensor layout", err)
	}
	for _, m := range metas {
		if err := serialization.ValidateTensorShape(m); err != nil {
			return nil, formatErr("invalid tensor layout", err)
		}
	}

	return &SafeTensorsReader{
		file:       file,
		header:     header,
		headerSize: headerSize,
		dataOffset: dataOffset,
		dataSize:   dataSize,
	}, nil
}

// Close closes the SafeTensors file.
func (r *SafeTensorsReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Metadata returns the metadata map from the header.
func (r *SafeTensorsReader) Metadata() map[string]string {
	return r.header.Metadata
}

// HeaderSize returns the JSON header length in bytes.
func (r *SafeTensorsReader) HeaderSize() uint64 {
	return r.headerSize
}

// DataSize returns the size of the tensor data section in bytes.
func (r *SafeTensorsReader) DataSize() int64 {
	return r.dataSize
}

// TensorNames returns all tensor names in lexicographic order.
func (r *SafeTensorsReader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns information about a specific tensor.
func (r *SafeTensorsReader) TensorInfo(name string) (*SafeTensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return &info, nil
}

// ReadTensorData reads raw tensor data for a given tensor name.
func (r *SafeTensorsReader) ReadTensorData(name string) ([]byte, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	start := r.dataOffset + info.DataOffsets[0]
	size := info.DataOffsets[1] - info.DataOffsets[0]

	data := make([]byte, size)
	if _, err := r.file.ReadAt(data, start); err != nil {
		return nil, cerrors.NewIO("read", r.file.Name(), fmt.Errorf("tensor %s: %w", name, err))
	}
	return data, nil
}

// LoadTensor loads a tensor by name.
func (r *SafeTensorsReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	dtype, _ := serialization.SafeTensorsToDType(info.DType)
	shape := make(tensor.Shape, len(info.Shape))
	for i, dim := range info.Shape {
		shape[i] = int(dim)
	}

	data, err := r.ReadTensorData(name)
	if err != nil {
		return nil, err
	}

	raw, err := tensor.FromBytes(shape, dtype, data)
	if err != nil {
		cErr := cerrors.NewFormat("read", "tensor does not match its header")
		cErr.Key = name
		cErr.Err = err
		return nil, cErr
	}
	return raw, nil
}

// LoadAll loads every tensor in the file.
func (r *SafeTensorsReader) LoadAll() (map[string]*tensor.RawTensor, error) {
	out := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, name := range r.TensorNames() {
		raw, err := r.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return out, nil
}

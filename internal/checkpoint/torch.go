package checkpoint

import (
	"archive/tar"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"os"
	"path"
	"unicode/utf8"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/tensor"
)

// maxDepth bounds mapping nesting to keep hostile inputs from exhausting the stack.
const maxDepth = 64

// DecodeOptions controls how a checkpoint is decoded.
type DecodeOptions struct {
	// AllowClasses lists "module.Name" glob patterns (path.Match syntax, e.g.
	// "pytorch_lightning.*") of foreign object types to materialize as inert
	// Other values. Any other unknown type fails decoding with a
	// DEPENDENCY_MISSING error.
	AllowClasses []string
}

// Decoder turns a checkpoint file into a tree.
type Decoder interface {
	Decode(path string) (Value, error)
}

// TorchDecoder decodes PyTorch checkpoints (zip and legacy serialization).
type TorchDecoder struct {
	Options DecodeOptions
}

// Decode implements Decoder.
func (d TorchDecoder) Decode(path string) (Value, error) {
	return Open(path, d.Options)
}

// Open decodes the PyTorch checkpoint at filename.
func Open(filename string, opts DecodeOptions) (Value, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, cerrors.NewIO("open", filename, err)
	}
	if info.IsDir() {
		return nil, cerrors.NewIO("open", filename, fmt.Errorf("is a directory"))
	}
	if err := checkContainer(filename, info.Size()); err != nil {
		return nil, err
	}

	guard := &classGuard{allow: opts.AllowClasses}
	newUnpickler := func(r io.Reader) pickle.Unpickler {
		u := pickle.NewUnpickler(r)
		u.FindClass = guard.findClass
		return u
	}

	obj, err := load(filename, newUnpickler)
	if err != nil {
		if cerrors.Is(err, cerrors.KindFormat) {
			return nil, err
		}
		if module, name, ok := guard.firstMissing(); ok {
			return nil, cerrors.NewDependencyMissing(module, name)
		}
		return nil, formatError(filename, "not a recognized checkpoint", err)
	}

	return FromPickle(obj)
}

// load runs the torch loader and reports its panics as FORMAT errors.
func load(filename string, newUnpickler func(io.Reader) pickle.Unpickler) (obj interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			obj, err = nil, formatError(filename, fmt.Sprintf("unsupported checkpoint layout: %v", r), nil)
		}
	}()
	return pytorch.LoadWithUnpickler(filename, newUnpickler)
}

// checkContainer rejects inputs the torch loader cannot make progress on:
// empty files and tar archives.
func checkContainer(filename string, size int64) error {
	if size == 0 {
		return formatError(filename, "empty file", nil)
	}
	f, err := os.Open(filename)
	if err != nil {
		return cerrors.NewIO("open", filename, err)
	}
	defer func() { _ = f.Close() }()

	switch _, err := tar.NewReader(f).Next(); err {
	case nil:
		return formatError(filename, "tar checkpoints are not supported", nil)
	case io.EOF:
		return formatError(filename, "no checkpoint content", nil)
	}
	return nil
}

func formatError(filename, msg string, err error) *cerrors.ConvError {
	cErr := cerrors.NewFormat("decode", msg)
	cErr.Path = filename
	cErr.Err = err
	return cErr
}

// classGuard resolves classes torch support does not know about.
type classGuard struct {
	allow   []string
	missing [][2]string
}

func (g *classGuard) findClass(module, name string) (interface{}, error) {
	full := module + "." + name
	switch full {
	case "_codecs.encode", "__builtin__.bytes", "builtins.bytes", "__builtin__.bytearray", "builtins.bytearray":
		return encodeBytes{}, nil
	case "torch._utils._rebuild_parameter", "torch._utils._rebuild_parameter_with_state":
		return rebuildParameter{}, nil
	}
	for _, pattern := range g.allow {
		if ok, _ := path.Match(pattern, full); ok {
			return &inertClass{module: module, name: name}, nil
		}
	}

	g.missing = append(g.missing, [2]string{module, name})
	return nil, fmt.Errorf("class not found: %s", full)
}

// encodeBytes rebuilds byte strings. Protocol 2 pickles carry them as
// encode(text, "latin1") with one code point per byte.
type encodeBytes struct{}

// Call is invoked by the REDUCE opcode.
func (encodeBytes) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return []byte{}, nil
	}
	switch v := args[0].(type) {
	case []byte:
		return append([]byte{}, v...), nil
	case string:
		encoding := "latin1"
		if len(args) > 1 {
			e, ok := args[1].(string)
			if !ok {
				return nil, fmt.Errorf("bytes: encoding must be a string, got %T", args[1])
			}
			encoding = e
		}
		return encodeString(v, encoding)
	default:
		return nil, fmt.Errorf("bytes: cannot build from %T", args[0])
	}
}

func encodeString(s, encoding string) ([]byte, error) {
	switch encoding {
	case "latin1", "latin-1", "latin_1", "iso-8859-1", "iso8859-1":
		out := make([]byte, 0, utf8.RuneCountInString(s))
		for _, r := range s {
			if r > 0xff {
				return nil, fmt.Errorf("bytes: code point %U is outside latin-1", r)
			}
			out = append(out, byte(r))
		}
		return out, nil
	case "utf-8", "utf8", "utf_8":
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("bytes: unsupported encoding %q", encoding)
	}
}

// rebuildParameter unwraps nn.Parameter to the tensor it holds.
type rebuildParameter struct{}

// Call is invoked by the REDUCE opcode.
func (rebuildParameter) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("rebuild parameter: missing tensor argument")
	}
	t, ok := args[0].(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("rebuild parameter: expected tensor, got %T", args[0])
	}
	return t, nil
}

func (g *classGuard) firstMissing() (string, string, bool) {
	if len(g.missing) == 0 {
		return "", "", false
	}
	return g.missing[0][0], g.missing[0][1], true
}

// inertClass stands in for an allowed foreign class. Calling or
// instantiating it yields an inertObject; no foreign code runs.
type inertClass struct {
	module string
	name   string
}

// Call is invoked by the REDUCE opcode.
func (c *inertClass) Call(_ ...interface{}) (interface{}, error) {
	return &inertObject{class: c}, nil
}

// PyNew is invoked by the NEWOBJ opcodes.
func (c *inertClass) PyNew(_ ...interface{}) (interface{}, error) {
	return &inertObject{class: c}, nil
}

// inertObject swallows any state the pickle stream tries to set on it.
type inertObject struct {
	class *inertClass
}

// PySetState is invoked by the BUILD opcode.
func (o *inertObject) PySetState(_ interface{}) error { return nil }

// PyDictSet is invoked by BUILD when the object has no __setstate__.
func (o *inertObject) PyDictSet(_, _ interface{}) error { return nil }

// FromPickle converts an unpickled object graph into a tree Value.
func FromPickle(obj interface{}) (Value, error) {
	return fromPickle(obj, 0)
}

func fromPickle(obj interface{}, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, cerrors.NewFormat("decode", fmt.Sprintf("nesting deeper than %d levels", maxDepth))
	}

	switch v := obj.(type) {
	case *pytorch.Tensor:
		raw, err := tensorFromTorch(v)
		if err != nil {
			return nil, err
		}
		return NewTensor(raw), nil
	case *types.OrderedDict:
		m := NewMapping()
		for e := v.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			child, err := fromPickle(entry.Value, depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(keyString(entry.Key), child)
		}
		return m, nil
	case *types.Dict:
		m := NewMapping()
		for _, entry := range *v {
			child, err := fromPickle(entry.Value, depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(keyString(entry.Key), child)
		}
		return m, nil
	case []byte:
		return Bytes(v), nil
	case *types.List:
		return &Other{Kind: OtherList, Desc: fmt.Sprintf("list[%d]", len(*v))}, nil
	case *types.Tuple:
		return &Other{Kind: OtherList, Desc: fmt.Sprintf("tuple[%d]", len(*v))}, nil
	case nil:
		return &Other{Kind: OtherNone}, nil
	case string:
		return &Other{Kind: OtherScalar, Desc: fmt.Sprintf("%q", v)}, nil
	case bool, int, int64, float64, *big.Int:
		return &Other{Kind: OtherScalar, Desc: fmt.Sprint(v)}, nil
	case *inertObject:
		return &Other{Kind: OtherObject, Desc: v.class.module + "." + v.class.name}, nil
	case *inertClass:
		return &Other{Kind: OtherObject, Desc: "class " + v.module + "." + v.name}, nil
	default:
		return &Other{Kind: OtherObject, Desc: fmt.Sprintf("%T", v)}, nil
	}
}

func keyString(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

// tensorFromTorch copies a torch tensor view into a contiguous RawTensor.
func tensorFromTorch(t *pytorch.Tensor) (*tensor.RawTensor, error) {
	shape := tensor.Shape(append([]int(nil), t.Size...))
	if err := shape.Validate(); err != nil {
		return nil, cerrors.NewFormat("decode", err.Error())
	}
	strides := t.Stride
	if len(strides) != len(shape) {
		strides = shape.ComputeStrides()
	}
	v := view{shape: shape, strides: strides, offset: t.StorageOffset}

	var (
		data  []byte
		dtype tensor.DataType
		err   error
	)
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		dtype = tensor.Float32
		data, err = pack(s.Data, 4, v, func(b []byte, x float32) {
			binary.LittleEndian.PutUint32(b, math.Float32bits(x))
		})
	case *pytorch.HalfStorage:
		// gopickle widens half storages to float32; narrowing back is exact.
		dtype = tensor.Float16
		data, err = pack(s.Data, 2, v, func(b []byte, x float32) {
			binary.LittleEndian.PutUint16(b, tensor.Float32ToFloat16(x))
		})
	case *pytorch.BFloat16Storage:
		dtype = tensor.BFloat16
		data, err = pack(s.Data, 2, v, func(b []byte, x float32) {
			binary.LittleEndian.PutUint16(b, uint16(math.Float32bits(x)>>16))
		})
	case *pytorch.DoubleStorage:
		dtype = tensor.Float64
		data, err = pack(s.Data, 8, v, func(b []byte, x float64) {
			binary.LittleEndian.PutUint64(b, math.Float64bits(x))
		})
	case *pytorch.LongStorage:
		dtype = tensor.Int64
		data, err = pack(s.Data, 8, v, func(b []byte, x int64) {
			binary.LittleEndian.PutUint64(b, uint64(x)) //nolint:gosec // G115: bit-preserving reinterpretation.
		})
	case *pytorch.IntStorage:
		dtype = tensor.Int32
		data, err = pack(s.Data, 4, v, func(b []byte, x int32) {
			binary.LittleEndian.PutUint32(b, uint32(x)) //nolint:gosec // G115: bit-preserving reinterpretation.
		})
	case *pytorch.ShortStorage:
		dtype = tensor.Int16
		data, err = pack(s.Data, 2, v, func(b []byte, x int16) {
			binary.LittleEndian.PutUint16(b, uint16(x)) //nolint:gosec // G115: bit-preserving reinterpretation.
		})
	case *pytorch.CharStorage:
		dtype = tensor.Int8
		data, err = pack(s.Data, 1, v, func(b []byte, x int8) {
			b[0] = byte(x) //nolint:gosec // G115: bit-preserving reinterpretation.
		})
	case *pytorch.ByteStorage:
		dtype = tensor.Uint8
		data, err = pack(s.Data, 1, v, func(b []byte, x uint8) {
			b[0] = x
		})
	case *pytorch.BoolStorage:
		dtype = tensor.Bool
		data, err = pack(s.Data, 1, v, func(b []byte, x bool) {
			if x {
				b[0] = 1
			}
		})
	default:
		return nil, cerrors.NewUnsupportedValue("decode", "", fmt.Sprintf("unsupported tensor storage %T", t.Source))
	}
	if err != nil {
		return nil, err
	}

	return tensor.FromBytes(shape, dtype, data)
}

// view describes a strided window into a flat storage.
type view struct {
	shape   tensor.Shape
	strides []int
	offset  int
}

// span returns the largest storage index the view touches. It reports false
// when the index does not fit in an int. Strides and offset must be non-negative.
func (v view) span() (int, bool) {
	last := v.offset
	for d, dim := range v.shape {
		step := dim - 1
		if step == 0 || v.strides[d] == 0 {
			continue
		}
		if v.strides[d] > (math.MaxInt-last)/step {
			return 0, false
		}
		last += step * v.strides[d]
	}
	return last, true
}

// pack gathers the elements of v from storage into a new contiguous buffer.
func pack[T any](storage []T, size int, v view, put func([]byte, T)) ([]byte, error) {
	total, err := v.shape.ByteSize(size)
	if err != nil {
		return nil, cerrors.NewFormat("decode", err.Error())
	}
	if total == 0 {
		return []byte{}, nil
	}
	if v.offset < 0 {
		return nil, cerrors.NewFormat("decode", "negative storage offset")
	}
	for _, s := range v.strides {
		if s < 0 {
			return nil, cerrors.NewFormat("decode", "negative tensor stride")
		}
	}
	if last, ok := v.span(); !ok || last >= len(storage) {
		return nil, cerrors.NewFormat("decode", fmt.Sprintf("tensor view exceeds storage of %d elements", len(storage)))
	}

	n := total / size
	out := make([]byte, total)
	if v.shape.IsContiguous(v.strides) {
		for i, x := range storage[v.offset : v.offset+n] {
			put(out[i*size:], x)
		}
		return out, nil
	}

	idx := make([]int, len(v.shape))
	src := v.offset
	for dst := 0; dst < n; dst++ {
		put(out[dst*size:], storage[src])
		for d := len(v.shape) - 1; d >= 0; d-- {
			idx[d]++
			src += v.strides[d]
			if idx[d] < v.shape[d] {
				break
			}
			src -= v.strides[d] * v.shape[d]
			idx[d] = 0
		}
	}
	return out, nil
}

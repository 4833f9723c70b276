package tensor

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/ckptconv/internal/parallel"
)

// halfConfig splits large tensors across CPUs; small ones convert inline.
var halfConfig = func() parallel.Config {
	cfg := parallel.DefaultConfig()
	cfg.MinChunkSize = 1 << 16
	return cfg
}()

// Float16ToFloat32 converts IEEE 754 half precision bits to float32.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// Float32ToFloat16 converts a float32 to IEEE 754 half precision bits,
// rounding to nearest even. Out-of-range values become ±Inf.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// BFloat16ToFloat32 converts bfloat16 bits to float32 (exact).
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// ToFloat16 returns r converted to Float16 with the same shape.
//
// Float16 input is returned as is. For any other dtype a new buffer is
// built and the source buffer is released, so r must not be used after a
// successful conversion. Float64 and integer values are narrowed through
// float32 before rounding to half precision.
func ToFloat16(r *RawTensor) (*RawTensor, error) {
	if r.dtype == Float16 {
		return r, nil
	}

	n := r.NumElements()
	out := make([]byte, 2*n)
	if r.dtype == Float32 {
		parallel.For(n, func(i int) {
			f := math.Float32frombits(binary.LittleEndian.Uint32(r.data[i*4:]))
			binary.LittleEndian.PutUint16(out[i*2:], Float32ToFloat16(f))
		}, halfConfig)
	} else {
		parallel.For(n, func(i int) {
			binary.LittleEndian.PutUint16(out[i*2:], Float32ToFloat16(float32(r.Float64At(i))))
		}, halfConfig)
	}

	half, err := FromBytes(r.shape, Float16, out)
	if err != nil {
		return nil, err
	}
	r.Release()
	return half, nil
}

package audio

import (
	"encoding/binary"
	"math"
)

// float32sFromLE decodes little-endian float32 samples from b into dst and
// returns the filled part of dst.
func float32sFromLE(b []byte, dst []float32) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return dst
}

// putFloat32sLE encodes src as little-endian float32 into dst, which must
// hold at least 4*len(src) bytes.
func putFloat32sLE(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
}

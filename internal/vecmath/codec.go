package vecmath

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode packs v as little-endian float32s, four bytes per component.
func Encode(v []float32) []byte {
	buf := make([]byte, 0, len(v)*4)
	for _, f := range v {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// DecodeInto unpacks b into dst, growing it when needed, and returns the
// filled slice. Passing the previous result back in avoids an allocation
// per row during scans.
func DecodeInto(dst []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is not a whole number of float32s", len(b))
	}
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return dst, nil
}

// Decode unpacks b into a fresh slice.
func Decode(b []byte) ([]float32, error) {
	return DecodeInto(nil, b)
}

// Dot returns the dot product of a and b, or 0 when the lengths differ.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

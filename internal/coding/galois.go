// Package coding implements the GF(256) arithmetic used to combine raw
// chunks into a single erasure-coded output chunk, plus coding-scheme
// bookkeeping backed by klauspost/reedsolomon.
//
// Producing one output chunk from k inputs under an arbitrary coefficient
// row is the single-output-row special case of a full erasure encode.
// klauspost/reedsolomon's public API only exposes fixed Vandermonde/Cauchy
// generator-matrix layouts for a whole encode call, not an arbitrary
// single-row combine against caller-supplied coefficients, so the combine
// itself is a small hand-rolled GF(256) routine using the standard field
// (GF(2^8), primitive polynomial 0x11d) that reedsolomon also uses — they
// disagree on matrix layout, never on field arithmetic.
package coding

// gfExp and gfLog are the standard GF(2^8) exponent/log tables under the
// primitive polynomial 0x11d (x^8 + x^4 + x^3 + x^2 + 1), the same field
// klauspost/reedsolomon and Intel ISA-L both use.
var gfExp [512]byte
var gfLog [256]byte

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		x = gfMulSlow(x, 2)
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMulSlow(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		if b&1 != 0 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1d
		}
		b >>= 1
	}
	return p
}

// Mul multiplies two GF(256) field elements.
func Mul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

// CombineRow computes, for each byte offset j, the XOR-accumulated sum over
// i of coeffs[i] * data[i][j] in GF(256) — the single-output-row special
// case of ec_encode_data. All data[i] must have equal length; the result
// has that same length.
func CombineRow(data [][]byte, coeffs []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	size := len(data[0])
	out := make([]byte, size)
	for i, d := range data {
		c := coeffs[i]
		if c == 0 {
			continue
		}
		for j := 0; j < size && j < len(d); j++ {
			out[j] ^= Mul(c, d[j])
		}
	}
	return out
}

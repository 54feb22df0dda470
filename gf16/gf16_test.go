package gf16

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func mulSlow(x, y uint16) uint16 {
	a := uint32(x)
	b := uint32(y)
	z := uint32(0)
	for b > 0 {
		if b&1 != 0 {
			z ^= a
		}
		b >>= 1
		a <<= 1
		if a&Order != 0 {
			a ^= Generator
		}
	}
	return uint16(z)
}

func TestField(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	assert.Equal(uint16(1), Exp(0))
	assert.Equal(uint16(2), Exp(1))
	assert.Equal(uint16(1), Exp(Limit))
	assert.Equal(uint16(0), Log(1))
	assert.Equal(uint16(1), Log(2))
	// x^16 reduces to x^12 + x^3 + x + 1
	assert.Equal(uint16(0x100b), Exp(16))

	r := rand.New(rand.NewSource(1))
	for range 4096 {
		x := uint16(r.Intn(Order))
		y := uint16(r.Intn(Order))
		assert.Equal(mulSlow(x, y), Mul(x, y))
		assert.Equal(Mul(x, y), Mul(y, x))
		if y != 0 {
			assert.Equal(x, Mul(Div(x, y), y))
			assert.Equal(uint16(1), Mul(y, Inv(y)))
		}
		assert.Equal(Mul(x, Mul(x, x)), Pow(x, 3))
	}
	assert.Equal(uint16(0), Mul(0, 1234))
	assert.Equal(uint16(1), Pow(0, 0))
	assert.Equal(uint16(0), Pow(0, 5))
}

func TestMulAdd(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	r := rand.New(rand.NewSource(2))
	src := make([]byte, 512)
	dst := make([]byte, 512)
	_, _ = r.Read(src)
	_, _ = r.Read(dst)
	orig := append([]byte(nil), dst...)

	for _, c := range []uint16{0, 1, 2, 0x1234, 0xffff} {
		copy(dst, orig)
		MulAdd(dst, src, c)
		for i := 0; i < len(src); i += 2 {
			w := binary.LittleEndian.Uint16(src[i:])
			o := binary.LittleEndian.Uint16(orig[i:])
			assert.Equal(o^Mul(c, w), binary.LittleEndian.Uint16(dst[i:]))
		}
		assert.Equal(XorSum(orig)^Mul(c, XorSum(src)), XorSum(dst))
	}
}

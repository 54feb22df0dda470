package gf16

import (
	"encoding/binary"
)

const (
	// Order is the number of elements in the field
	Order = 1 << 16
	// Limit is the order of the multiplicative group
	Limit = Order - 1
	// Generator is the field generator polynomial x^16 + x^12 + x^3 + x + 1
	Generator = 0x1100b
)

var (
	logTable [Order]uint16 // logTable[0] is unused
	expTable [Limit * 2]uint16
)

func init() {
	x := 1
	for i := 0; i < Limit; i++ {
		expTable[i] = uint16(x)
		expTable[i+Limit] = uint16(x)
		logTable[x] = uint16(i)
		x <<= 1
		if x&Order != 0 {
			x ^= Generator
		}
	}
	logTable[0] = Limit
}

// Exp returns the generator 2 raised to the power n
func Exp(n uint32) uint16 {
	return expTable[n%Limit]
}

// Log returns the discrete log of x base 2
//
// Log(0) is undefined and returns [Limit].
func Log(x uint16) uint16 {
	return logTable[x]
}

func Add(x, y uint16) uint16 {
	return x ^ y
}

func Mul(x, y uint16) uint16 {
	if x == 0 || y == 0 {
		return 0
	}
	return expTable[int(logTable[x])+int(logTable[y])]
}

// Div returns x / y. Division by zero returns zero.
func Div(x, y uint16) uint16 {
	if x == 0 || y == 0 {
		return 0
	}
	return expTable[int(logTable[x])+Limit-int(logTable[y])]
}

// Inv returns the multiplicative inverse of x. Inv(0) returns zero.
func Inv(x uint16) uint16 {
	if x == 0 {
		return 0
	}
	return expTable[Limit-int(logTable[x])]
}

// Pow returns x raised to the power e
func Pow(x uint16, e uint32) uint16 {
	if e == 0 {
		return 1
	}
	if x == 0 {
		return 0
	}
	return expTable[(uint64(logTable[x])*uint64(e))%Limit]
}

type (
	// MulTable is a split multiplication table for a single coefficient
	//
	// Since multiplication distributes over addition, c*w is the sum of c times
	// the low byte of w and c times the high byte of w.
	MulTable struct {
		coeff uint16
		lo    [256]uint16
		hi    [256]uint16
	}
)

func NewMulTable(c uint16) *MulTable {
	t := &MulTable{}
	t.Reset(c)
	return t
}

func (t *MulTable) Reset(c uint16) {
	t.coeff = c
	for i := range 256 {
		t.lo[i] = Mul(c, uint16(i))
		t.hi[i] = Mul(c, uint16(i)<<8)
	}
}

func (t *MulTable) Coeff() uint16 {
	return t.coeff
}

func (t *MulTable) Mul(w uint16) uint16 {
	return t.lo[w&0xff] ^ t.hi[w>>8]
}

// MulAdd adds c*src to dst word by word
//
// Words are little endian 16 bit values. Only the even length prefix of the
// shorter slice is processed.
func (t *MulTable) MulAdd(dst, src []byte) {
	n := min(len(dst), len(src)) &^ 1
	switch t.coeff {
	case 0:
		return
	case 1:
		for i := 0; i < n; i++ {
			dst[i] ^= src[i]
		}
		return
	}
	for i := 0; i < n; i += 2 {
		w := t.lo[src[i]] ^ t.hi[src[i+1]]
		binary.LittleEndian.PutUint16(dst[i:], binary.LittleEndian.Uint16(dst[i:])^w)
	}
}

// MulAdd adds c*src to dst word by word
func MulAdd(dst, src []byte, c uint16) {
	if c == 0 {
		return
	}
	NewMulTable(c).MulAdd(dst, src)
}

// XorSum returns the sum of all little endian words of b
//
// Since the sum is linear, XorSum(c*b) == Mul(c, XorSum(b)).
func XorSum(b []byte) uint16 {
	n := len(b) &^ 1
	var s uint16
	for i := 0; i < n; i += 2 {
		s ^= binary.LittleEndian.Uint16(b[i:])
	}
	return s
}

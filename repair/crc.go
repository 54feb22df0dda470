package repair

import (
	"hash/crc32"
)

var (
	crcTable  = crc32.IEEETable
	zeroBlock [64 * 1024]byte
)

// crcUpdateRaw advances the raw crc state, the complement of a crc value, by p
func crcUpdateRaw(raw uint32, p []byte) uint32 {
	return ^crc32.Update(^raw, crcTable, p)
}

// crcZeros advances the raw crc state by n zero bytes
func crcZeros(raw uint32, n uint64) uint32 {
	for n > 0 {
		k := min(n, uint64(len(zeroBlock)))
		raw = crcUpdateRaw(raw, zeroBlock[:k])
		n -= k
	}
	return raw
}

type (
	// windowTable rolls a crc over a fixed size window one byte at a time
	//
	// Feeding n zero bytes is linear in the raw state. So the contribution of a
	// byte leaving the window is the contribution of that byte followed by n
	// zero bytes, and the initial state contributes a constant mask.
	windowTable struct {
		size  uint64
		table [256]uint32
		mask  uint32
	}
)

func newWindowTable(size uint64) *windowTable {
	var basis [32]uint32
	for i := range basis {
		basis[i] = crcZeros(uint32(1)<<i, size)
	}
	zn := func(v uint32) uint32 {
		var r uint32
		for i := 0; v != 0; i++ {
			if v&1 != 0 {
				r ^= basis[i]
			}
			v >>= 1
		}
		return r
	}
	w := &windowTable{
		size: size,
	}
	for i := range w.table {
		w.table[i] = zn(crcTable[i])
	}
	start := zn(initRaw())
	w.mask = crcTable[byte(start)] ^ (start >> 8) ^ start
	return w
}

// roll advances the raw crc of the window by one byte
func (w *windowTable) roll(raw uint32, out, in byte) uint32 {
	raw = crcTable[byte(raw)^in] ^ (raw >> 8)
	return raw ^ w.mask ^ w.table[out]
}

// initRaw returns the initial raw crc state
func initRaw() uint32 {
	return 0xffffffff
}

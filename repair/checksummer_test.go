package repair

import (
	"bytes"
	"crypto/md5"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"xorkevin.dev/bitrepair/parity"
)

func randBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	_, _ = rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestWindowTable(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		Size int
	}{
		{Size: 1},
		{Size: 4},
		{Size: 16},
		{Size: 100},
	} {
		t.Run("", func(t *testing.T) {
			t.Parallel()

			assert := require.New(t)

			data := randBytes(int64(tc.Size), 300)
			w := newWindowTable(uint64(tc.Size))
			raw := crcUpdateRaw(initRaw(), data[:tc.Size])
			for i := 0; i+tc.Size < len(data); i++ {
				assert.Equal(crc32.ChecksumIEEE(data[i:i+tc.Size]), ^raw, "offset %d", i)
				raw = w.roll(raw, data[i], data[i+tc.Size])
			}
		})
	}
}

func paddedWindow(data []byte, off, size int) []byte {
	w := make([]byte, size)
	if off < len(data) {
		copy(w, data[off:])
	}
	return w
}

func TestChecksummer(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		Name  string
		Size  int
		Block int
		Moves []int
	}{
		{
			Name:  "steps",
			Size:  70,
			Block: 16,
			Moves: []int{1},
		},
		{
			Name:  "jumps within buffer",
			Size:  130,
			Block: 16,
			Moves: []int{1, 5, 1, 16, 3},
		},
		{
			Name:  "jumps past buffer",
			Size:  400,
			Block: 16,
			Moves: []int{1, 40, 1, 1, 100, 17},
		},
		{
			Name:  "file smaller than block",
			Size:  10,
			Block: 32,
			Moves: []int{1, 3},
		},
		{
			Name:  "larger than prefix",
			Size:  parity.PrefixHashSize + 300,
			Block: 64,
			Moves: []int{1, 999, 64},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()

			assert := require.New(t)

			data := randBytes(int64(tc.Size), tc.Size)
			cs := newChecksummer(bytes.NewReader(data), int64(len(data)), newWindowTable(uint64(tc.Block)))
			assert.NoError(cs.Start())
			for n := 0; !cs.Done(); n++ {
				off := int(cs.Offset())
				w := paddedWindow(data, off, tc.Block)
				assert.Equal(crc32.ChecksumIEEE(w), cs.Checksum(), "offset %d", off)
				assert.Equal(parity.Hash(md5.Sum(w)), cs.Hash(), "offset %d", off)
				assert.Equal(off+tc.Block > tc.Size, cs.ShortBlock())
				move := tc.Moves[n%len(tc.Moves)]
				if move == 1 {
					assert.NoError(cs.Step())
				} else {
					assert.NoError(cs.Jump(int64(move)))
				}
			}
			full, prefix, err := cs.Finish()
			assert.NoError(err)
			assert.Equal(parity.Hash(md5.Sum(data)), full)
			assert.Equal(parity.Hash(md5.Sum(data[:min(len(data), parity.PrefixHashSize)])), prefix)
			assert.Equal(int64(tc.Size), cs.BytesRead())
		})
	}
}

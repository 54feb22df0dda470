package bytefmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToString(t *testing.T) {
	t.Parallel()

	for _, i := range []struct {
		Human string
		Bytes float64
	}{
		{
			Human: "512B",
			Bytes: 512,
		},
		{
			Human: "1.21KiB",
			Bytes: 1234,
		},
		{
			Human: "117.74MiB",
			Bytes: 123456789,
		},
		{
			Human: "4GiB",
			Bytes: 4 * 1024 * 1024 * 1024,
		},
	} {
		t.Run(i.Human, func(t *testing.T) {
			t.Parallel()

			assert := require.New(t)

			assert.Equal(i.Human, ToString(i.Bytes))
		})
	}
}

func TestToBytes(t *testing.T) {
	t.Parallel()

	for _, i := range []struct {
		Human string
		Bytes uint64
		Err   bool
	}{
		{
			Human: "512",
			Bytes: 512,
		},
		{
			Human: "64MiB",
			Bytes: 64 * 1024 * 1024,
		},
		{
			Human: "1.5 KiB",
			Bytes: 1536,
		},
		{
			Human: "2B",
			Bytes: 2,
		},
		{
			Human: "lots",
			Err:   true,
		},
		{
			Human: "-1KiB",
			Err:   true,
		},
	} {
		t.Run(i.Human, func(t *testing.T) {
			t.Parallel()

			assert := require.New(t)

			b, err := ToBytes(i.Human)
			if i.Err {
				assert.ErrorIs(err, ErrFormat)
				return
			}
			assert.NoError(err)
			assert.Equal(i.Bytes, b)
		})
	}
}

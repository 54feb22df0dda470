package bytefmt

import (
	"math"
	"strconv"
	"strings"

	"xorkevin.dev/kerrors"
)

// ErrFormat is returned when a byte size string is malformed
var ErrFormat errFormat

type (
	errFormat struct{}
)

func (e errFormat) Error() string {
	return "Invalid byte size format"
}

var units = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// ToString formats a byte count with a binary unit suffix
func ToString(b float64) string {
	i := 0
	for math.Abs(b) >= 1024 && i < len(units)-1 {
		b /= 1024
		i++
	}
	return strconv.FormatFloat(math.Round(b*100)/100, 'f', -1, 64) + units[i]
}

// ToBytes parses a byte count with an optional binary unit suffix such as
// 64MiB
func ToBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	for i := len(units) - 1; i >= 0; i-- {
		if k, ok := strings.CutSuffix(s, units[i]); ok {
			s = strings.TrimSpace(k)
			mult = 1 << (10 * i)
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, kerrors.WithKind(err, ErrFormat, "Invalid byte size")
	}
	if v < 0 || v*float64(mult) >= math.MaxUint64 {
		return 0, kerrors.WithKind(nil, ErrFormat, "Byte size out of range")
	}
	return uint64(v * float64(mult)), nil
}

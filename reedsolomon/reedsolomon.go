package reedsolomon

import (
	"xorkevin.dev/bitrepair/gf16"
	"xorkevin.dev/kerrors"
)

var (
	// ErrShape is returned when the data shape is invalid
	ErrShape errShape
	// ErrUnsolvable is returned when too few usable recovery units remain
	ErrUnsolvable errUnsolvable
)

type (
	errShape      struct{}
	errUnsolvable struct{}
)

func (e errShape) Error() string {
	return "Invalid data shape"
}

func (e errUnsolvable) Error() string {
	return "Unsolvable matrix"
}

// MaxInputs is the number of distinct input bases available in the field
const MaxInputs = 32768

// InputBases returns the base constant of each of the first count inputs
//
// The i-th input uses 2^n for the i-th n coprime to 65535, so that every base
// generates the full multiplicative group.
func InputBases(count int) ([]uint16, error) {
	if count < 0 || count > MaxInputs {
		return nil, kerrors.WithKind(nil, ErrShape, "Too many inputs")
	}
	bases := make([]uint16, 0, count)
	for n := uint32(1); len(bases) < count; n++ {
		if gcd(n, gf16.Limit) != 1 {
			continue
		}
		bases = append(bases, gf16.Exp(n))
	}
	return bases, nil
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

type (
	// Encoder accumulates recovery data for a fixed set of exponents
	Encoder struct {
		bases     []uint16
		exponents []uint16
		table     gf16.MulTable
	}
)

func NewEncoder(dataBlocks int, exponents []uint16) (*Encoder, error) {
	if dataBlocks < 1 {
		return nil, kerrors.WithKind(nil, ErrShape, "Must have at least 1 data block")
	}
	if len(exponents) < 1 {
		return nil, kerrors.WithKind(nil, ErrShape, "Must have at least 1 recovery exponent")
	}
	bases, err := InputBases(dataBlocks)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		bases:     bases,
		exponents: append([]uint16(nil), exponents...),
	}, nil
}

// EncodeBlock adds the contribution of data block idx to every parity block
func (e *Encoder) EncodeBlock(idx int, block []byte, parity [][]byte) error {
	if idx < 0 || idx >= len(e.bases) {
		return kerrors.WithKind(nil, ErrShape, "Invalid data block index")
	}
	if len(parity) != len(e.exponents) {
		return kerrors.WithKind(nil, ErrShape, "Invalid number of parity blocks")
	}
	for n, i := range parity {
		if len(i) < len(block) {
			return kerrors.WithKind(nil, ErrShape, "Parity block smaller than data block")
		}
		e.table.Reset(gf16.Pow(e.bases[idx], uint32(e.exponents[n])))
		e.table.MulAdd(i, block)
	}
	return nil
}

// Encode computes parity from data, overwriting parity
func (e *Encoder) Encode(data, parity [][]byte) error {
	if len(data) != len(e.bases) {
		return kerrors.WithKind(nil, ErrShape, "Invalid number of data blocks")
	}
	for _, i := range parity {
		clear(i)
	}
	for n, i := range data {
		if err := e.EncodeBlock(n, i, parity); err != nil {
			return err
		}
	}
	return nil
}

type (
	// ProgressFunc reports solver progress. done is reset to 0 whenever solving
	// restarts.
	ProgressFunc func(done, total int)

	// Matrix holds the coefficient of every input for every missing output
	//
	// Inputs are the present data blocks in ascending order followed by the
	// selected recovery units in the order of [Matrix.Exponents].
	Matrix struct {
		inputs    int
		outputs   int
		present   int
		factors   []uint16
		exponents []uint16
	}
)

func (m *Matrix) Inputs() int {
	return m.inputs
}

func (m *Matrix) Outputs() int {
	return m.outputs
}

// Present is the number of data block inputs
func (m *Matrix) Present() int {
	return m.present
}

// Exponents returns the recovery exponents selected as inputs
func (m *Matrix) Exponents() []uint16 {
	return m.exponents
}

// Factor returns the coefficient of input in for output out
func (m *Matrix) Factor(in, out int) uint16 {
	return m.factors[out*m.inputs+in]
}

// Compute solves for the coefficients that reconstruct every missing data
// block
//
// present marks which data blocks are available. exponents lists usable
// recovery units in preference order. The first len(missing) exponents are
// selected. A selected unit found to be linearly dependent on the others is
// replaced by the next unused exponent and solving restarts.
func Compute(present []bool, exponents []uint16, progress ProgressFunc) (*Matrix, error) {
	bases, err := InputBases(len(present))
	if err != nil {
		return nil, err
	}
	var avail, missing []int
	for n, i := range present {
		if i {
			avail = append(avail, n)
		} else {
			missing = append(missing, n)
		}
	}
	outputs := len(missing)
	if outputs == 0 {
		return &Matrix{
			inputs:  len(avail),
			present: len(avail),
		}, nil
	}
	if len(exponents) < outputs {
		return nil, kerrors.WithKind(nil, ErrUnsolvable, "Insufficient recovery units")
	}

	selected := append([]uint16(nil), exponents[:outputs]...)
	next := outputs
	inputs := len(avail) + outputs
	left := make([]uint16, outputs*outputs)
	right := make([]uint16, outputs*inputs)
	pivots := make([]int, outputs)
	for {
		if progress != nil {
			progress(0, outputs)
		}
		clear(right)
		for r, e := range selected {
			lrow := left[r*outputs : (r+1)*outputs]
			for j, idx := range missing {
				lrow[j] = gf16.Pow(bases[idx], uint32(e))
			}
			rrow := right[r*inputs : (r+1)*inputs]
			for j, idx := range avail {
				rrow[j] = gf16.Pow(bases[idx], uint32(e))
			}
			rrow[len(avail)+r] = 1
		}
		bad := gaussJordan(left, right, outputs, inputs, pivots, progress)
		if bad < 0 {
			break
		}
		if next >= len(exponents) {
			return nil, kerrors.WithKind(nil, ErrUnsolvable, "Recovery units are linearly dependent")
		}
		selected[bad] = exponents[next]
		next++
	}

	factors := make([]uint16, outputs*inputs)
	for r, c := range pivots {
		copy(factors[c*inputs:(c+1)*inputs], right[r*inputs:(r+1)*inputs])
	}
	return &Matrix{
		inputs:    inputs,
		outputs:   outputs,
		present:   len(avail),
		factors:   factors,
		exponents: selected,
	}, nil
}

// gaussJordan reduces left to a permutation matrix, applying the same row
// operations to right. pivots[r] is the column whose pivot ended up in row r.
// It returns the index of the first singular row, or -1.
func gaussJordan(left, right []uint16, rows, cols int, pivots []int, progress ProgressFunc) int {
	assigned := make([]bool, rows)
	var tab gf16.MulTable
	for r := range rows {
		lrow := left[r*rows : (r+1)*rows]
		rrow := right[r*cols : (r+1)*cols]
		// eliminate the pivots of previous rows
		for p := range r {
			c := pivots[p]
			f := lrow[c]
			if f == 0 {
				continue
			}
			addScaledRow(lrow, left[p*rows:(p+1)*rows], f)
			addScaledRow(rrow, right[p*cols:(p+1)*cols], f)
		}
		c := -1
		for j := range rows {
			if !assigned[j] && lrow[j] != 0 {
				c = j
				break
			}
		}
		if c < 0 {
			return r
		}
		pivots[r] = c
		assigned[c] = true
		if inv := gf16.Inv(lrow[c]); inv != 1 {
			tab.Reset(inv)
			scaleRow(lrow, &tab)
			scaleRow(rrow, &tab)
		}
		// eliminate this pivot from previous rows
		for p := range r {
			plrow := left[p*rows : (p+1)*rows]
			f := plrow[c]
			if f == 0 {
				continue
			}
			addScaledRow(plrow, lrow, f)
			addScaledRow(right[p*cols:(p+1)*cols], rrow, f)
		}
		if progress != nil {
			progress(r+1, rows)
		}
	}
	return -1
}

func addScaledRow(dst, src []uint16, f uint16) {
	for n, i := range src {
		if i != 0 {
			dst[n] ^= gf16.Mul(f, i)
		}
	}
}

func scaleRow(row []uint16, tab *gf16.MulTable) {
	for n, i := range row {
		row[n] = tab.Mul(i)
	}
}

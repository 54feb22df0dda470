package accel

import (
	"sync"

	"golang.org/x/sync/errgroup"
	"xorkevin.dev/bitrepair/gf16"
	"xorkevin.dev/kerrors"
)

// ErrInit is returned when a backend cannot be initialized
var ErrInit errInit

type (
	errInit struct{}
)

func (e errInit) Error() string {
	return "Backend init error"
}

type (
	// Token is closed when the backend no longer needs the associated buffer
	Token <-chan struct{}

	// Result receives whether retrieved output data passed its integrity check
	Result <-chan bool

	// Backend accumulates tile inputs into outputs over GF(2^16)
	//
	// Inputs submitted with [Backend.Submit] must not be modified until the
	// returned token is closed. Outputs may only be retrieved once the token
	// returned by [Backend.Flush] is closed.
	Backend interface {
		Init(tileSize, outputs, threads int) error
		SetTileLen(n int)
		Submit(input []byte, coeffs []uint16) Token
		Flush() Token
		Output(idx int, dst []byte) Result
		Discard()
		Close()
	}
)

type (
	submission struct {
		input  []byte
		coeffs []uint16
		done   chan struct{}
	}

	// CPU is a [Backend] that computes on goroutines
	CPU struct {
		threads  int
		tileSize int
		tileLen  int
		outputs  [][]byte
		sums     []uint16
		queue    chan submission
		wg       sync.WaitGroup
		tables   []gf16.MulTable
	}
)

// NewCPU creates a cpu backend with a submission queue of depth
func NewCPU(depth int) *CPU {
	return &CPU{
		queue: make(chan submission, max(depth, 1)),
	}
}

func (b *CPU) Init(tileSize, outputs, threads int) error {
	if tileSize <= 0 || tileSize%2 != 0 {
		return kerrors.WithKind(nil, ErrInit, "Invalid tile size")
	}
	if outputs < 0 {
		return kerrors.WithKind(nil, ErrInit, "Invalid output count")
	}
	b.threads = max(threads, 1)
	b.tileSize = tileSize
	b.tileLen = tileSize
	b.outputs = make([][]byte, outputs)
	for i := range b.outputs {
		b.outputs[i] = make([]byte, tileSize)
	}
	b.sums = make([]uint16, outputs)
	b.tables = make([]gf16.MulTable, outputs)
	b.wg.Add(1)
	go b.run()
	return nil
}

// SetTileLen sets the number of bytes of each tile to process. It must be
// called only while no submissions are pending.
func (b *CPU) SetTileLen(n int) {
	b.tileLen = min(max(n, 0), b.tileSize)
}

func (b *CPU) run() {
	defer b.wg.Done()
	for i := range b.queue {
		if i.input != nil {
			b.process(i.input, i.coeffs)
		}
		close(i.done)
	}
}

func (b *CPU) process(input []byte, coeffs []uint16) {
	input = input[:min(len(input), b.tileLen)]
	x := gf16.XorSum(input)
	for n, c := range coeffs {
		b.sums[n] ^= gf16.Mul(c, x)
	}
	if b.threads == 1 || len(coeffs) < 2 {
		for n, c := range coeffs {
			b.tables[n].Reset(c)
			b.tables[n].MulAdd(b.outputs[n], input)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(b.threads)
	for n, c := range coeffs {
		g.Go(func() error {
			b.tables[n].Reset(c)
			b.tables[n].MulAdd(b.outputs[n], input)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *CPU) Submit(input []byte, coeffs []uint16) Token {
	done := make(chan struct{})
	b.queue <- submission{
		input:  input,
		coeffs: append([]uint16(nil), coeffs...),
		done:   done,
	}
	return done
}

func (b *CPU) Flush() Token {
	done := make(chan struct{})
	b.queue <- submission{
		done: done,
	}
	return done
}

func (b *CPU) Output(idx int, dst []byte) Result {
	res := make(chan bool, 1)
	go func() {
		n := copy(dst, b.outputs[idx][:b.tileLen])
		res <- n == b.tileLen && gf16.XorSum(dst[:n]) == b.sums[idx]
	}()
	return res
}

// Discard zeroes all outputs in preparation for the next tile
func (b *CPU) Discard() {
	for _, i := range b.outputs {
		clear(i)
	}
	clear(b.sums)
}

func (b *CPU) Close() {
	close(b.queue)
	b.wg.Wait()
}

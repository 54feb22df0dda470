package repair

import (
	"context"
	"crypto/md5"
	"errors"
	"hash"

	"xorkevin.dev/bitrepair/accel"
	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/bitrepair/reedsolomon"
	"xorkevin.dev/bitrepair/util/bytefmt"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

type (
	pipelineInput struct {
		block *DataBlock
		// copy is the target block the input must be written to, if any
		copy *DataBlock
	}

	pipelineOutput struct {
		block *DataBlock
		// check is the expected fingerprint, nil if the file is unverifiable
		check *parity.BlockChecksum
		h     hash.Hash
	}

	// pipeline streams inputs through a backend one tile of each block at a
	// time and writes the reconstructed outputs to their target blocks
	pipeline struct {
		log      *klog.LevelLogger
		progress *progressTracker
		backend  accel.Backend
		matrix   *reedsolomon.Matrix
		inputs   []pipelineInput
		outputs  []pipelineOutput
		coeffs   []uint16
		tileSize uint64
		buffers  [][]byte
		tokens   []accel.Token
		written  uint64
	}

	// fileCursor keeps at most one disk file of a sequence open
	fileCursor struct {
		disk *DiskFile
	}
)

// use closes the current file if d is a different file
func (c *fileCursor) use(d *DiskFile) error {
	if c.disk == d {
		return nil
	}
	err := c.close()
	c.disk = d
	return err
}

func (c *fileCursor) close() error {
	if c.disk == nil {
		return nil
	}
	d := c.disk
	c.disk = nil
	return d.Close()
}

// tileSize returns the largest number of bytes of each block that may be
// processed at once within memLimit
func tileSize(blockSize, memLimit uint64, outputs, overhead int) (uint64, error) {
	n := uint64(outputs + overhead)
	if blockSize*n <= memLimit {
		return blockSize, nil
	}
	t := (memLimit / n) &^ 3
	if t == 0 {
		return 0, kerrors.WithKind(nil, ErrMemoryLimit, "Not enough memory for a single tile")
	}
	return t, nil
}

// buildPipeline collects the inputs and outputs of a reconstruction
//
// Inputs are the available source blocks in ordinal order followed by the
// recovery blocks selected by m. Outputs are the target blocks of the missing
// ordinals.
func (r *Repairer) buildPipeline(m *reedsolomon.Matrix) (*pipeline, error) {
	p := &pipeline{
		log:      r.log,
		progress: &r.progress,
		matrix:   m,
	}
	byExponent := make(map[uint16]*recoveryBlock, len(r.recovery))
	for _, i := range r.recovery {
		byExponent[i.exponent] = i
	}
	for _, f := range r.files {
		if f == nil {
			continue
		}
		for n := range f.sourceBlocks {
			src := &f.sourceBlocks[n]
			dst := &f.targetBlocks[n]
			if src.IsSet() {
				in := pipelineInput{block: src}
				if dst.IsSet() {
					in.copy = dst
				} else if m == nil {
					// without a matrix only relocated blocks are read
					continue
				}
				p.inputs = append(p.inputs, in)
				continue
			}
			if !dst.IsSet() {
				return nil, kerrors.WithMsg(nil, "Missing block has no target")
			}
			out := pipelineOutput{block: dst}
			if f.verifiable() {
				out.check = &f.desc.Blocks[n]
				out.h = md5.New()
			}
			p.outputs = append(p.outputs, out)
		}
	}
	if m != nil {
		if len(p.inputs) != m.Present() || len(p.outputs) != m.Outputs() {
			return nil, kerrors.WithMsg(nil, "Matrix does not match available blocks")
		}
		for _, e := range m.Exponents() {
			b, ok := byExponent[e]
			if !ok {
				return nil, kerrors.WithMsg(nil, "Matrix references unknown recovery block")
			}
			p.inputs = append(p.inputs, pipelineInput{block: &b.block})
		}
	} else if len(p.outputs) > 0 {
		return nil, kerrors.WithMsg(nil, "Missing blocks require a matrix")
	}
	return p, nil
}

func (p *pipeline) allocate(blockSize uint64, opts Opts) error {
	n := opts.TransferBuffers
	overhead := n + min(2*n, len(p.inputs)+1)
	t, err := tileSize(blockSize, opts.MemoryLimit, len(p.outputs), overhead)
	if err != nil {
		return err
	}
	p.tileSize = t
	p.buffers = make([][]byte, n)
	for i := range p.buffers {
		p.buffers[i] = make([]byte, t)
	}
	p.tokens = make([]accel.Token, n)
	if len(p.outputs) == 0 {
		return nil
	}
	p.backend = opts.Backend()
	if err := p.backend.Init(int(t), len(p.outputs), opts.Threads); err != nil {
		p.backend = nil
		return kerrors.WithMsg(err, "Failed to init backend")
	}
	p.coeffs = make([]uint16, len(p.outputs))
	return nil
}

func (p *pipeline) close() {
	if p.backend != nil {
		p.backend.Close()
	}
}

// drain waits for the backend to release every transfer buffer
func (p *pipeline) drain() {
	for n, i := range p.tokens {
		if i != nil {
			<-i
			p.tokens[n] = nil
		}
	}
}

// run processes every tile of the blocks
func (p *pipeline) run(ctx context.Context, blockSize uint64) error {
	defer p.drain()
	p.progress.reset(blockSize * uint64(len(p.inputs)+len(p.outputs)))
	if p.tileSize < blockSize {
		p.log.Info(ctx, "Processing blocks in tiles",
			klog.AString("tile", bytefmt.ToString(float64(p.tileSize))),
		)
	}
	for off := uint64(0); off < blockSize; off += p.tileSize {
		if err := p.processTile(ctx, off, min(p.tileSize, blockSize-off)); err != nil {
			return err
		}
	}
	for n, i := range p.outputs {
		if i.check == nil {
			continue
		}
		if parity.Hash(i.h.Sum(nil)) != i.check.Hash {
			p.log.Warn(ctx, "Reconstructed block does not match its checksum",
				klog.AInt("output", n),
			)
			return kerrors.WithKind(nil, ErrDefectiveRecovery, "Reconstructed block does not match its checksum")
		}
	}
	return nil
}

func (p *pipeline) processTile(ctx context.Context, off, tileLen uint64) (retErr error) {
	var inFile, copyFile, outFile fileCursor
	defer func() {
		retErr = errors.Join(retErr, inFile.close(), copyFile.close(), outFile.close())
	}()

	if p.backend != nil {
		p.backend.SetTileLen(int(tileLen))
	}
	for j, i := range p.inputs {
		k := j % len(p.buffers)
		if t := p.tokens[k]; t != nil {
			<-t
			p.tokens[k] = nil
		}
		buf := p.buffers[k][:tileLen]
		d, _, _ := i.block.Location()
		if err := inFile.use(d); err != nil {
			return err
		}
		if err := i.block.ReadData(off, buf); err != nil {
			return err
		}
		if i.copy != nil {
			d, _, _ := i.copy.Location()
			if err := copyFile.use(d); err != nil {
				return err
			}
			n, err := i.copy.WriteData(off, buf)
			if err != nil {
				return err
			}
			p.written += n
		}
		if p.backend != nil {
			for o := range p.outputs {
				p.coeffs[o] = p.matrix.Factor(j, o)
			}
			p.tokens[k] = p.backend.Submit(buf, p.coeffs)
		}
		p.progress.add(StageRepair, tileLen)
	}
	if err := errors.Join(inFile.close(), copyFile.close()); err != nil {
		return err
	}
	if p.backend == nil {
		return nil
	}

	<-p.backend.Flush()
	p.drain()
	res := p.backend.Output(0, p.buffers[0][:tileLen])
	for o, i := range p.outputs {
		ok := <-res
		buf := p.buffers[o%2][:tileLen]
		if o+1 < len(p.outputs) {
			res = p.backend.Output(o+1, p.buffers[(o+1)%2][:tileLen])
		}
		if !ok {
			if o+1 < len(p.outputs) {
				<-res
			}
			return kerrors.WithKind(nil, ErrIntegrity, "Backend output failed integrity check")
		}
		if i.h != nil {
			i.h.Write(buf)
		}
		d, _, _ := i.block.Location()
		if err := outFile.use(d); err != nil {
			return err
		}
		n, err := i.block.WriteData(off, buf)
		if err != nil {
			return err
		}
		p.written += n
		p.progress.add(StageRepair, tileLen)
	}
	p.backend.Discard()
	return nil
}

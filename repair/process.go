package repair

import (
	"context"
	"errors"
	"slices"

	"xorkevin.dev/bitrepair/reedsolomon"
	"xorkevin.dev/bitrepair/util/bytefmt"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

// Repair reconstructs the damaged and missing files of the set
//
// [Repairer.Verify] must have been called first. Created files that do not
// verify after reconstruction are deleted.
func (r *Repairer) Repair(ctx context.Context) (_ *RepairResult, retErr error) {
	if !r.verified {
		return nil, kerrors.WithKind(nil, ErrVerify, "Files must be verified before repair")
	}
	defer func() {
		if err := r.closeFiles(); err != nil {
			retErr = errors.Join(retErr, err)
		}
	}()

	s := r.Stats()
	res := &RepairResult{
		Stats: s,
	}
	if !s.repairRequired(len(r.files)) {
		if r.opts.Purge {
			if err := r.Purge(ctx); err != nil {
				return nil, err
			}
		}
		return res, nil
	}
	if r.invalidSet || !s.repairPossible() {
		return nil, kerrors.WithKind(nil, ErrRepairImpossible, "Not enough recovery blocks")
	}

	if err := r.renameTargetFiles(ctx); err != nil {
		return nil, err
	}
	s = r.updateStats()
	res.Stats = s
	if s.CompleteFiles == len(r.files) {
		r.log.Info(ctx, "Repair complete after renaming files")
		res.Repaired = true
		if r.opts.Purge {
			if err := r.Purge(ctx); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	if err := r.createTargetFiles(ctx); err != nil {
		return nil, errors.Join(err, r.deleteIncompleteTargets(ctx))
	}
	written, err := r.reconstruct(ctx)
	if err != nil {
		return nil, errors.Join(err, r.deleteIncompleteTargets(ctx))
	}
	res.BytesWritten = written
	r.log.Info(ctx, "Wrote data",
		klog.AString("written", bytefmt.ToString(float64(written))),
	)

	if err := r.verifyCreatedFiles(ctx); err != nil {
		return nil, errors.Join(err, r.deleteIncompleteTargets(ctx))
	}
	res.Stats = r.updateStats()
	if incomplete := r.incompleteTargets(); len(incomplete) > 0 {
		err := kerrors.WithKind(nil, ErrRepairFailed, "Repaired files failed verification")
		return nil, errors.Join(err, r.deleteIncompleteTargets(ctx))
	}
	res.Repaired = true
	r.log.Info(ctx, "Repair complete")
	if r.opts.Purge {
		if err := r.Purge(ctx); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// renameTargetFiles moves damaged targets aside and moves complete files
// found elsewhere to their target path
func (r *Repairer) renameTargetFiles(ctx context.Context) error {
	for _, i := range r.files {
		if i == nil {
			continue
		}
		t := i.targetDisk()
		if t == nil || t == i.complete() {
			continue
		}
		name, err := backupName(r.fsys, t.Path())
		if err != nil {
			return err
		}
		if err := r.registry.Rename(t, name); err != nil {
			return kerrors.WithMsg(err, "Failed to rename damaged file")
		}
		r.log.Info(ctx, "Renamed damaged file",
			klog.AString("file", i.desc.Name),
			klog.AString("backup", name),
		)
		i.setTargetFile(nil)
		r.backups = append(r.backups, t)
	}

	for _, i := range r.files {
		if i == nil {
			continue
		}
		c := i.complete()
		if c == nil || c == i.targetDisk() {
			continue
		}
		from := c.Path()
		if err := r.registry.Rename(c, i.targetName); err != nil {
			return kerrors.WithMsg(err, "Failed to rename complete file")
		}
		// a damaged target may hold a complete copy of another file
		r.backups = slices.DeleteFunc(r.backups, func(d *DiskFile) bool {
			return d == c
		})
		r.log.Info(ctx, "Renamed file to target",
			klog.AString("from", from),
			klog.AString("file", i.desc.Name),
		)
		i.setTargetFile(c)
	}
	return nil
}

// createTargetFiles creates every file with no complete copy at its declared
// size and binds its target blocks
func (r *Repairer) createTargetFiles(ctx context.Context) error {
	for _, i := range r.files {
		if i == nil || i.complete() != nil {
			continue
		}
		d := newDiskFile(r.fsys, i.targetName, 0)
		if err := d.Create(int64(i.desc.Size)); err != nil {
			return kerrors.WithMsg(err, "Failed to create target file")
		}
		r.registry.Insert(d)
		i.setTargetFile(d)
		for n := range i.targetBlocks {
			i.targetBlocks[n].Bind(d, int64(n)*int64(r.blockSize))
		}
		r.created = append(r.created, i)
		r.log.Info(ctx, "Created target file",
			klog.AString("file", i.desc.Name),
		)
	}
	return nil
}

func (r *Repairer) exponents() []uint16 {
	e := make([]uint16, 0, len(r.recovery))
	for _, i := range r.recovery {
		e = append(e, i.exponent)
	}
	return e
}

func (r *Repairer) solve(ctx context.Context, present []bool, exponents []uint16) (*reedsolomon.Matrix, error) {
	m, err := reedsolomon.Compute(present, exponents, func(done, total int) {
		if r.opts.Progress != nil {
			r.opts.Progress(StageSolve, uint64(done), uint64(total))
		}
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug(ctx, "Computed reconstruction matrix",
		klog.AInt("inputs", m.Inputs()),
		klog.AInt("outputs", m.Outputs()),
	)
	return m, nil
}

// reconstruct computes the missing blocks and copies found blocks into the
// created files
//
// If reconstructed data fails its checksum, the solve is retried without each
// selected recovery block in turn.
func (r *Repairer) reconstruct(ctx context.Context) (uint64, error) {
	present := r.Availability()
	exponents := r.exponents()
	m, err := r.solve(ctx, present, exponents)
	if err != nil {
		return 0, kerrors.WithKind(err, ErrRepairImpossible, "Failed to solve reconstruction matrix")
	}
	written, err := r.runPipeline(ctx, m)
	if err == nil || !errors.Is(err, ErrDefectiveRecovery) {
		return written, err
	}

	for _, suspect := range m.Exponents() {
		r.log.Warn(ctx, "Retrying without recovery block",
			klog.AInt("exponent", int(suspect)),
		)
		rest := make([]uint16, 0, len(exponents)-1)
		for _, e := range exponents {
			if e != suspect {
				rest = append(rest, e)
			}
		}
		alt, solveErr := r.solve(ctx, present, rest)
		if solveErr != nil {
			if errors.Is(solveErr, reedsolomon.ErrUnsolvable) {
				continue
			}
			return 0, solveErr
		}
		n, runErr := r.runPipeline(ctx, alt)
		if runErr == nil {
			return n, nil
		}
		if !errors.Is(runErr, ErrDefectiveRecovery) {
			return n, runErr
		}
	}
	return written, err
}

func (r *Repairer) runPipeline(ctx context.Context, m *reedsolomon.Matrix) (uint64, error) {
	if m.Outputs() == 0 {
		m = nil
	}
	p, err := r.buildPipeline(m)
	if err != nil {
		return 0, err
	}
	if err := p.allocate(r.blockSize, r.opts); err != nil {
		return 0, err
	}
	defer p.close()
	if err := p.run(ctx, r.blockSize); err != nil {
		return p.written, err
	}
	return p.written, nil
}

// verifyCreatedFiles rescans created files after clearing their bindings
func (r *Repairer) verifyCreatedFiles(ctx context.Context) error {
	var tasks []verifyTask
	var total uint64
	for _, i := range r.created {
		d := i.targetDisk()
		if err := d.Close(); err != nil {
			return err
		}
		for n := range i.sourceBlocks {
			i.sourceBlocks[n].Clear()
		}
		i.resetComplete()
		tasks = append(tasks, verifyTask{disk: d, target: i})
		total += uint64(d.Size())
	}
	r.progress.reset(total)
	if err := r.runVerifyTasks(ctx, tasks); err != nil {
		return kerrors.WithKind(err, ErrVerify, "Failed to verify repaired files")
	}
	return nil
}

func (r *Repairer) incompleteTargets() []*sourceFile {
	var res []*sourceFile
	for _, i := range r.created {
		if i.complete() != i.targetDisk() {
			res = append(res, i)
		}
	}
	return res
}

// deleteIncompleteTargets removes created files that are not complete
func (r *Repairer) deleteIncompleteTargets(ctx context.Context) error {
	var errs []error
	for _, i := range r.created {
		d := i.targetDisk()
		if d == nil || i.complete() == d {
			continue
		}
		if err := d.Delete(); err != nil {
			errs = append(errs, err)
			continue
		}
		r.registry.Remove(d)
		i.setTargetFile(nil)
		for n := range i.targetBlocks {
			i.targetBlocks[n].Clear()
		}
		r.log.Warn(ctx, "Deleted incomplete file",
			klog.AString("file", i.desc.Name),
		)
	}
	r.created = nil
	return errors.Join(errs...)
}

// Purge removes backups of damaged files and the loaded recovery files
func (r *Repairer) Purge(ctx context.Context) error {
	var errs []error
	for _, i := range r.backups {
		if err := i.Delete(); err != nil {
			errs = append(errs, err)
			continue
		}
		r.registry.Remove(i)
		r.log.Info(ctx, "Removed backup file",
			klog.AString("path", i.Path()),
		)
	}
	r.backups = nil
	for _, i := range r.parityFiles {
		if err := i.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, i := range r.set.Paths {
		d := newDiskFile(r.fsys, i, 0)
		if err := d.Delete(); err != nil {
			errs = append(errs, err)
			continue
		}
		r.log.Info(ctx, "Removed recovery file",
			klog.AString("path", i),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return kerrors.WithMsg(err, "Failed to purge files")
	}
	return nil
}

func (r *Repairer) closeFiles() error {
	errs := []error{r.registry.CloseAll()}
	for _, i := range r.parityFiles {
		errs = append(errs, i.Close())
	}
	return errors.Join(errs...)
}

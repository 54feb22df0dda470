package repair

import (
	"context"
	"slices"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

// Verify scans the target path of every source file, and then each of the
// extra files if source blocks are still missing
func (r *Repairer) Verify(ctx context.Context, extra []string) (*VerifyResult, error) {
	if err := r.resetVerification(); err != nil {
		return nil, err
	}
	if err := r.verifySourceFiles(ctx); err != nil {
		return nil, err
	}
	s := r.updateStats()
	if s.MissingBlocks > 0 || s.CompleteFiles+s.RenamedFiles < len(r.files) {
		if err := r.verifyExtraFiles(ctx, extra); err != nil {
			return nil, err
		}
		s = r.updateStats()
	}
	r.verified = true
	return r.verifyResult(s), nil
}

// resetVerification clears every binding made by a previous pass
func (r *Repairer) resetVerification() error {
	for n := range r.arena.source {
		r.arena.source[n].Clear()
		r.arena.target[n].Clear()
	}
	for _, i := range r.files {
		if i == nil {
			continue
		}
		i.resetComplete()
		i.setTargetFile(nil)
	}
	err := r.registry.CloseAll()
	r.registry = newDiskFileRegistry()
	r.verified = false
	return err
}

func (r *Repairer) sortedFiles() []*sourceFile {
	files := make([]*sourceFile, 0, len(r.files))
	for _, i := range r.files {
		if i != nil {
			files = append(files, i)
		}
	}
	slices.SortStableFunc(files, func(a, b *sourceFile) int {
		return strings.Compare(a.targetName, b.targetName)
	})
	return files
}

type (
	verifyTask struct {
		disk   *DiskFile
		target *sourceFile
	}
)

func (r *Repairer) verifySourceFiles(ctx context.Context) error {
	var tasks []verifyTask
	var total uint64
	for _, i := range r.sortedFiles() {
		d, err := statDiskFile(r.fsys, i.targetName)
		if err != nil {
			return err
		}
		if d == nil {
			r.log.Warn(ctx, "Target missing",
				klog.AString("file", i.desc.Name),
			)
			continue
		}
		if !r.registry.Insert(d) {
			// another description shares the target path
			i.setTargetFile(r.registry.Find(d.Path()))
			continue
		}
		i.setTargetFile(d)
		tasks = append(tasks, verifyTask{disk: d, target: i})
		total += uint64(d.Size())
	}
	r.progress.reset(total)
	if err := r.runVerifyTasks(ctx, tasks); err != nil {
		return kerrors.WithKind(err, ErrVerify, "Failed to verify target files")
	}
	return nil
}

func (r *Repairer) runVerifyTasks(ctx context.Context, tasks []verifyTask) error {
	p := pool.New().WithErrors().WithMaxGoroutines(r.opts.FileThreads)
	for _, i := range tasks {
		p.Go(func() error {
			name := i.disk.Path()
			if i.target != nil {
				name = i.target.desc.Name
			}
			ctx := klog.CtxWithAttrs(ctx, klog.AString("file", name))
			if err := r.verifyDataFile(ctx, i.disk, i.target); err != nil {
				r.log.Err(ctx, kerrors.WithMsg(err, "Failed to verify file"))
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

func isParityFile(p string) bool {
	return strings.HasSuffix(strings.ToLower(p), ".par2")
}

func (r *Repairer) verifyExtraFiles(ctx context.Context, extra []string) error {
	var tasks []verifyTask
	var total uint64
	for _, i := range extra {
		p := r.canonicalPath(i)
		if isParityFile(p) {
			continue
		}
		if r.registry.Find(p) != nil {
			r.log.Debug(ctx, "Skipping already verified file",
				klog.AString("path", p),
			)
			continue
		}
		d, err := statDiskFile(r.fsys, p)
		if err != nil {
			return err
		}
		if d == nil {
			r.log.Debug(ctx, "Skipping missing extra file",
				klog.AString("path", p),
			)
			continue
		}
		if !r.registry.Insert(d) {
			continue
		}
		tasks = append(tasks, verifyTask{disk: d})
		total += uint64(d.Size())
	}
	if len(tasks) == 0 {
		return nil
	}
	slices.SortFunc(tasks, func(a, b verifyTask) int {
		return strings.Compare(a.disk.Path(), b.disk.Path())
	})
	r.progress.reset(total)
	if err := r.runVerifyTasks(ctx, tasks); err != nil {
		return kerrors.WithKind(err, ErrVerify, "Failed to verify extra files")
	}
	return nil
}

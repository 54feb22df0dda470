package repair

import (
	"context"
	"crypto/md5"
	"errors"

	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/bitrepair/util/bytefmt"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

type (
	// MatchType is the outcome of scanning a disk file
	MatchType int
)

const (
	NoMatch MatchType = iota
	PartialMatch
	FullMatch
)

func (m MatchType) String() string {
	switch m {
	case PartialMatch:
		return "partial"
	case FullMatch:
		return "full"
	default:
		return "none"
	}
}

type (
	scanResult struct {
		Match MatchType
		// File is the source file of the first matched block
		File       *sourceFile
		Count      int
		Duplicates int
		Multiple   bool
		Skipped    int64
		HashFull   parity.Hash
		Hash16k    parity.Hash
	}
)

var emptyHash = parity.Hash(md5.Sum(nil))

// scanDataFile slides a block sized window over disk binding every source
// block found in it
//
// target is the source file whose target path disk is at, or nil for extra
// files.
func (r *Repairer) scanDataFile(ctx context.Context, disk *DiskFile, target *sourceFile) (_ *scanResult, retErr error) {
	size := disk.Size()
	res := &scanResult{
		Match:    NoMatch,
		File:     target,
		HashFull: emptyHash,
		Hash16k:  emptyHash,
	}
	if size == 0 {
		if target != nil && target.desc.Size == 0 {
			res.Match = FullMatch
			r.log.Info(ctx, "Target found")
		} else {
			r.log.Debug(ctx, "File is empty")
		}
		return res, nil
	}

	f, err := disk.OpenReader()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			retErr = errors.Join(retErr, kerrors.WithKind(err, ErrIO, "Failed to close file"))
		}
	}()

	bs := int64(r.blockSize)
	cs := newChecksummer(f, size, r.window)
	if err := cs.Start(); err != nil {
		return nil, err
	}

	res.Match = FullMatch
	var scanDistance, scanSkip int64
	if r.opts.SkipData {
		scanDistance = min(int64(r.opts.SkipLeeway)*2, bs)
		scanSkip = bs - scanDistance
	}
	scanOffset := scanDistance / 2
	var expected *BlockFingerprint
	var lastMatch int64
	preferred := target

	for !cs.Done() {
		m, dup := r.index.findMatch(cs, disk, expected, preferred)
		if m != nil {
			if off := cs.Offset(); lastMatch < off {
				r.log.Debug(ctx, "No data found between offset",
					klog.AInt("start", int(lastMatch)),
					klog.AInt("end", int(off)),
				)
			}
			if res.Count == 0 {
				preferred = m.file
				res.File = m.file
				if !m.First || cs.Offset() != 0 {
					res.Match = PartialMatch
				}
			} else {
				if m != expected {
					res.Match = PartialMatch
				}
				if m.file != res.File {
					res.Multiple = true
				}
			}
			res.Count++
			expected = m.next
			if err := cs.Jump(int64(m.block.length)); err != nil {
				return nil, err
			}
			scanOffset = scanDistance / 2
			lastMatch = cs.Offset()
			continue
		}

		res.Match = PartialMatch
		if dup {
			res.Duplicates++
		}
		expected = nil
		if err := cs.Step(); err != nil {
			return nil, err
		}
		skipFrom := cs.Offset()
		scanOffset++
		if scanSkip > 0 && scanOffset >= scanDistance && skipFrom < size {
			if err := cs.Jump(scanSkip); err != nil {
				return nil, err
			}
			res.Skipped += cs.Offset() - skipFrom
			scanOffset = 0
		}
	}
	if off := cs.Offset(); lastMatch < off {
		r.log.Debug(ctx, "No data found between offset",
			klog.AInt("start", int(lastMatch)),
			klog.AInt("end", int(off)),
		)
	}

	res.HashFull, res.Hash16k, err = cs.Finish()
	if err != nil {
		return nil, err
	}
	r.progress.add(StageVerify, uint64(cs.BytesRead()))

	if res.Count == 0 {
		res.Match = NoMatch
		res.File = target
		if res.Duplicates > 0 {
			r.log.Info(ctx, "Found only duplicate data blocks",
				klog.AInt("duplicates", res.Duplicates),
			)
		} else {
			r.log.Info(ctx, "No data blocks found")
		}
		return res, nil
	}

	desc := res.File.desc
	if res.Match != FullMatch ||
		res.Count != len(desc.Blocks) ||
		uint64(size) != desc.Size ||
		res.HashFull != desc.HashFull ||
		res.Hash16k != desc.Hash16k {
		res.Match = PartialMatch
		source := desc.Name
		if res.Multiple {
			source = "multiple"
		}
		if target != nil {
			r.log.Warn(ctx, "Target damaged",
				klog.AInt("found", res.Count),
				klog.AInt("blocks", len(desc.Blocks)),
				klog.AString("source", source),
			)
		} else {
			r.log.Info(ctx, "Found data blocks",
				klog.AInt("found", res.Count),
				klog.AInt("blocks", len(desc.Blocks)),
				klog.AString("source", source),
			)
		}
		if res.Skipped > 0 {
			r.log.Info(ctx, "Skipped data whilst scanning",
				klog.AString("skipped", bytefmt.ToString(float64(res.Skipped))),
			)
		}
		return res, nil
	}

	if target == res.File {
		r.log.Info(ctx, "Target found")
	} else {
		r.log.Info(ctx, "File is a match for source",
			klog.AString("source", desc.Name),
		)
	}
	return res, nil
}

// hashDiskFile computes the whole file and prefix hashes of disk
func hashDiskFile(disk *DiskFile) (_ parity.Hash, _ parity.Hash, retErr error) {
	f, err := disk.OpenReader()
	if err != nil {
		return parity.Hash{}, parity.Hash{}, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			retErr = errors.Join(retErr, kerrors.WithKind(err, ErrIO, "Failed to close file"))
		}
	}()
	cs := newChecksummer(f, disk.Size(), newWindowTable(1))
	return cs.Finish()
}

// verifyDataFile scans disk and records any source blocks and complete files
// found in it
func (r *Repairer) verifyDataFile(ctx context.Context, disk *DiskFile, target *sourceFile) error {
	hashFull, hash16k := emptyHash, emptyHash
	hashed := false
	if !r.index.Empty() {
		res, err := r.scanDataFile(ctx, disk, target)
		if err != nil {
			return err
		}
		switch res.Match {
		case PartialMatch:
			return nil
		case FullMatch:
			res.File.claimComplete(disk)
			return nil
		}
		hashFull, hash16k = res.HashFull, res.Hash16k
		hashed = true
	}

	if len(r.unverifiable) == 0 {
		return nil
	}
	if !hashed {
		var err error
		hashFull, hash16k, err = hashDiskFile(disk)
		if err != nil {
			return err
		}
		r.progress.add(StageVerify, uint64(disk.Size()))
	}
	size := uint64(disk.Size())
	for _, i := range r.unverifiable {
		if i.desc.Size != size || i.desc.Hash16k != hash16k || i.desc.HashFull != hashFull {
			continue
		}
		if !i.claimComplete(disk) {
			continue
		}
		r.log.Info(ctx, "File is a match for source",
			klog.AString("source", i.desc.Name),
		)
		for n := range i.sourceBlocks {
			i.sourceBlocks[n].Bind(disk, int64(n)*int64(r.blockSize))
		}
		return nil
	}
	return nil
}

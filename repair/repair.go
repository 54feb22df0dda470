package repair

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"xorkevin.dev/bitrepair/accel"
	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

var (
	// ErrIO is returned when a file operation fails
	ErrIO errIO
	// ErrInvalidSet is returned when the recovery set cannot be used
	ErrInvalidSet errInvalidSet
	// ErrVerify is returned when the source files cannot be verified
	ErrVerify errVerify
	// ErrRepairImpossible is returned when too few blocks are available
	ErrRepairImpossible errRepairImpossible
	// ErrMemoryLimit is returned when the memory limit is too small to process
	// any data
	ErrMemoryLimit errMemoryLimit
	// ErrIntegrity is returned when the backend output fails its checksum
	ErrIntegrity errIntegrity
	// ErrDefectiveRecovery is returned when reconstructed blocks do not match
	// their checksums
	ErrDefectiveRecovery errDefectiveRecovery
	// ErrRepairFailed is returned when repaired files do not verify
	ErrRepairFailed errRepairFailed
)

type (
	errIO                struct{}
	errInvalidSet        struct{}
	errVerify            struct{}
	errRepairImpossible  struct{}
	errMemoryLimit       struct{}
	errIntegrity         struct{}
	errDefectiveRecovery struct{}
	errRepairFailed      struct{}
)

func (e errIO) Error() string {
	return "File IO error"
}

func (e errInvalidSet) Error() string {
	return "Invalid recovery set"
}

func (e errVerify) Error() string {
	return "Verification failed"
}

func (e errRepairImpossible) Error() string {
	return "Repair not possible"
}

func (e errMemoryLimit) Error() string {
	return "Memory limit too small"
}

func (e errIntegrity) Error() string {
	return "Backend integrity check failed"
}

func (e errDefectiveRecovery) Error() string {
	return "Defective recovery data"
}

func (e errRepairFailed) Error() string {
	return "Repair failed"
}

type (
	// Stage is a phase of processing reported to a [ProgressFunc]
	Stage string

	// ProgressFunc receives progress updates. It may be called concurrently.
	ProgressFunc func(stage Stage, done, total uint64)

	// Opts configures a [Repairer]
	Opts struct {
		// BasePath is the directory file names of the set are relative to
		BasePath        string       `mapstructure:"base_path"`
		MemoryLimit     uint64       `mapstructure:"-"`
		Threads         int          `mapstructure:"threads"`
		FileThreads     int          `mapstructure:"file_threads"`
		SkipData        bool         `mapstructure:"skip_data"`
		SkipLeeway      uint64       `mapstructure:"skip_leeway"`
		TransferBuffers int          `mapstructure:"transfer_buffers"`
		Purge           bool         `mapstructure:"purge"`
		Progress        ProgressFunc `mapstructure:"-"`
		// Backend creates the field arithmetic backend. The cpu backend is used
		// if nil.
		Backend func() accel.Backend `mapstructure:"-"`
	}
)

const (
	StageVerify Stage = "verify"
	StageSolve  Stage = "solve"
	StageRepair Stage = "repair"
)

const (
	DefaultMemoryLimit     = 256 * 1024 * 1024
	DefaultFileThreads     = 2
	DefaultSkipLeeway      = 64
	DefaultTransferBuffers = 4
)

func (o Opts) withDefaults() Opts {
	if o.MemoryLimit == 0 {
		o.MemoryLimit = DefaultMemoryLimit
	}
	if o.Threads <= 0 {
		o.Threads = runtime.NumCPU()
	}
	if o.FileThreads <= 0 {
		o.FileThreads = DefaultFileThreads
	}
	if o.SkipLeeway == 0 {
		o.SkipLeeway = DefaultSkipLeeway
	}
	if o.TransferBuffers < 2 {
		o.TransferBuffers = DefaultTransferBuffers
	}
	if o.Backend == nil {
		depth := o.TransferBuffers
		o.Backend = func() accel.Backend {
			return accel.NewCPU(depth)
		}
	}
	return o
}

type (
	progressTracker struct {
		fn    ProgressFunc
		done  atomic.Uint64
		total atomic.Uint64
	}
)

func (p *progressTracker) reset(total uint64) {
	p.done.Store(0)
	p.total.Store(total)
}

func (p *progressTracker) add(stage Stage, n uint64) {
	d := p.done.Add(n)
	if p.fn != nil {
		p.fn(stage, d, p.total.Load())
	}
}

type (
	// Stats summarizes the state of the source files after verification
	Stats struct {
		CompleteFiles   int
		RenamedFiles    int
		DamagedFiles    int
		MissingFiles    int
		AvailableBlocks int
		MissingBlocks   int
		TotalBlocks     int
		RecoveryBlocks  int
	}

	VerifyResult struct {
		Stats
		RepairRequired bool
		RepairPossible bool
	}

	RepairResult struct {
		Stats
		Repaired     bool
		BytesWritten uint64
	}

	recoveryBlock struct {
		exponent uint16
		block    DataBlock
	}

	// Repairer verifies and repairs the files of a recovery set
	Repairer struct {
		log          *klog.LevelLogger
		fsys         afero.Fs
		opts         Opts
		set          *parity.Set
		blockSize    uint64
		window       *windowTable
		files        []*sourceFile
		unverifiable []*sourceFile
		arena        *blockArena
		index        *fingerprintIndex
		recovery     []*recoveryBlock
		parityFiles  []*DiskFile
		registry     *diskFileRegistry
		progress     progressTracker
		mu           sync.Mutex
		stats        Stats
		verified     bool
		invalidSet   bool
		created      []*sourceFile
		backups      []*DiskFile
	}
)

// New creates a repairer for set
//
// Recovery units and file descriptions inconsistent with the set are
// discarded.
func New(log klog.Logger, fsys afero.Fs, set *parity.Set, opts Opts) (*Repairer, error) {
	opts = opts.withDefaults()
	r := &Repairer{
		log:       klog.NewLevelLogger(log),
		fsys:      fsys,
		opts:      opts,
		set:       set,
		blockSize: set.BlockSize,
		registry:  newDiskFileRegistry(),
	}
	r.progress.fn = opts.Progress
	if err := r.checkConsistency(context.Background()); err != nil {
		return nil, err
	}
	r.window = newWindowTable(r.blockSize)
	r.arena = newBlockArena(r.files, r.blockSize)
	r.index = newFingerprintIndex(r.files)
	return r, nil
}

// canonicalPath resolves a name relative to the base path
func (r *Repairer) canonicalPath(p string) string {
	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.opts.BasePath, p)
	}
	return filepath.Clean(p)
}

func (r *Repairer) checkConsistency(ctx context.Context) error {
	if r.blockSize == 0 || r.blockSize%4 != 0 {
		return kerrors.WithKind(nil, ErrInvalidSet, "Block size must be a positive multiple of 4")
	}
	if r.set.RecoverableCount > len(r.set.Files) {
		return kerrors.WithKind(nil, ErrInvalidSet, "Invalid recoverable file count")
	}

	parityFiles := map[string]*DiskFile{}
	seen := map[uint16]struct{}{}
	for _, i := range r.set.Recovery {
		if i.Length != r.blockSize {
			r.log.Warn(ctx, "Discarding recovery block of wrong size",
				klog.AInt("exponent", int(i.Exponent)),
				klog.AString("path", i.Path),
			)
			continue
		}
		if _, ok := seen[i.Exponent]; ok {
			r.log.Warn(ctx, "Discarding duplicate recovery block",
				klog.AInt("exponent", int(i.Exponent)),
				klog.AString("path", i.Path),
			)
			continue
		}
		seen[i.Exponent] = struct{}{}
		d, ok := parityFiles[i.Path]
		if !ok {
			d = newDiskFile(r.fsys, i.Path, 0)
			parityFiles[i.Path] = d
			r.parityFiles = append(r.parityFiles, d)
		}
		b := &recoveryBlock{
			exponent: i.Exponent,
		}
		b.block.length = r.blockSize
		b.block.Bind(d, i.Offset)
		r.recovery = append(r.recovery, b)
	}

	r.files = make([]*sourceFile, r.set.RecoverableCount)
	for n, i := range r.set.Files[:r.set.RecoverableCount] {
		if i == nil {
			r.log.Error(ctx, "Missing file description",
				klog.AInt("file", n),
			)
			r.invalidSet = true
			continue
		}
		count := parity.BlockCount(i.Size, r.blockSize)
		if i.Blocks != nil && uint64(len(i.Blocks)) != count {
			r.log.Error(ctx, "Discarding file description with inconsistent block count",
				klog.AString("name", i.Name),
			)
			r.invalidSet = true
			continue
		}
		f := &sourceFile{
			desc:       i,
			index:      n,
			targetName: r.canonicalPath(i.Name),
			blockCount: int(count),
		}
		r.files[n] = f
		if !f.verifiable() {
			r.unverifiable = append(r.unverifiable, f)
		}
	}
	if other := len(r.set.Files) - r.set.RecoverableCount; other > 0 {
		r.log.Info(ctx, "Ignoring non recoverable files",
			klog.AInt("count", other),
		)
	}
	return nil
}

func (r *Repairer) updateStats() Stats {
	var s Stats
	for _, i := range r.files {
		if i == nil {
			s.MissingFiles++
			continue
		}
		s.TotalBlocks += i.blockCount
		if c := i.complete(); c != nil {
			if c == i.targetDisk() {
				s.CompleteFiles++
			} else {
				s.RenamedFiles++
			}
			s.AvailableBlocks += i.blockCount
			continue
		}
		s.AvailableBlocks += i.availableBlocks()
		if i.targetDisk() != nil {
			s.DamagedFiles++
		} else {
			s.MissingFiles++
		}
	}
	s.MissingBlocks = s.TotalBlocks - s.AvailableBlocks
	s.RecoveryBlocks = len(r.recovery)
	r.mu.Lock()
	r.stats = s
	r.mu.Unlock()
	return s
}

// Stats returns the snapshot taken by the last verification pass
func (r *Repairer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Availability returns whether each source block is available by global
// ordinal
func (r *Repairer) Availability() []bool {
	return r.arena.Availability()
}

func (s Stats) repairRequired(recoverable int) bool {
	return s.CompleteFiles < recoverable || s.RenamedFiles > 0 || s.DamagedFiles > 0 || s.MissingFiles > 0
}

func (s Stats) repairPossible() bool {
	return s.RecoveryBlocks >= s.MissingBlocks
}

func (r *Repairer) verifyResult(s Stats) *VerifyResult {
	res := &VerifyResult{
		Stats:          s,
		RepairRequired: s.repairRequired(len(r.files)),
		RepairPossible: !r.invalidSet && s.repairPossible(),
	}
	if !res.RepairRequired {
		r.log.Info(context.Background(), "All files are correct")
		return res
	}
	r.log.Warn(context.Background(), "Repair is required",
		klog.AInt("complete", s.CompleteFiles),
		klog.AInt("renamed", s.RenamedFiles),
		klog.AInt("damaged", s.DamagedFiles),
		klog.AInt("missing", s.MissingFiles),
		klog.AInt("blocks.available", s.AvailableBlocks),
		klog.AInt("blocks.total", s.TotalBlocks),
		klog.AInt("blocks.recovery", s.RecoveryBlocks),
	)
	if res.RepairPossible {
		r.log.Info(context.Background(), "Repair is possible",
			klog.AInt("blocks.used", s.MissingBlocks),
		)
	} else {
		r.log.Warn(context.Background(), "Repair is not possible",
			klog.AInt("blocks.needed", s.MissingBlocks-s.RecoveryBlocks),
		)
	}
	return res
}

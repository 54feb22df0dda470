package census

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/bitrepair/repair"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/kfs"
	"xorkevin.dev/klog"
)

// ErrNotFound is returned when a file is not found
var ErrNotFound errNotFound

type (
	errNotFound struct{}
)

func (e errNotFound) Error() string {
	return "File not found"
}

type (
	// Census manages the recovery sets named in config
	Census struct {
		log  *klog.LevelLogger
		fsys afero.Fs
		opts repair.Opts
	}

	SetDirConfig struct {
		Exact bool   `mapstructure:"exact"`
		Path  string `mapstructure:"path"`
		Match string `mapstructure:"match"`
	}

	SetConfig struct {
		// Path is the root dir of the set
		Path string `mapstructure:"path"`
		// Par2 is the recovery file of the set relative to Path
		Par2 string `mapstructure:"par2"`
		// Dirs select the files protected by the set. They are also searched
		// for misplaced data during verification.
		Dirs   []SetDirConfig    `mapstructure:"dirs"`
		Create parity.CreateOpts `mapstructure:"create"`
	}

	Config struct {
		Sets map[string]SetConfig `mapstructure:"sets"`
	}

	VerifyFlags struct {
		Repair bool
	}

	SetResult struct {
		Name   string
		Verify *repair.VerifyResult
		Repair *repair.RepairResult
	}
)

func NewCensus(log klog.Logger, fsys afero.Fs, opts repair.Opts) *Census {
	return &Census{
		log:  klog.NewLevelLogger(log),
		fsys: fsys,
		opts: opts,
	}
}

func sortedSetNames(cfg Config) []string {
	names := make([]string, 0, len(cfg.Sets))
	for k := range cfg.Sets {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func (c *Census) CreateSets(ctx context.Context, cfg Config) error {
	for _, k := range sortedSetNames(cfg) {
		setctx := klog.CtxWithAttrs(ctx, klog.AString("set", k))
		c.log.Info(setctx, "Creating set")
		if err := c.CreateSet(setctx, cfg.Sets[k]); err != nil {
			return kerrors.WithMsg(err, fmt.Sprintf("Failed creating set %s", k))
		}
	}
	return nil
}

// CreateSet writes the recovery file of a set over the files selected by its
// dirs
func (c *Census) CreateSet(ctx context.Context, cfg SetConfig) error {
	names, err := c.findFiles(ctx, cfg)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return kerrors.WithKind(nil, ErrNotFound, "No files matched")
	}
	files := make([]parity.CreateFile, 0, len(names))
	for _, i := range names {
		files = append(files, parity.CreateFile{
			Path: filepath.Join(cfg.Path, filepath.FromSlash(i)),
			Name: i,
		})
	}
	out := filepath.Join(cfg.Path, filepath.FromSlash(cfg.Par2))
	if err := parity.Create(ctx, c.log.Logger.Sublogger("parity"), c.fsys, out, files, cfg.Create); err != nil {
		return kerrors.WithMsg(err, "Failed to create recovery file")
	}
	c.log.Info(ctx, "Created recovery file",
		klog.AString("path", out),
		klog.AInt("files", len(files)),
	)
	return nil
}

// VerifySets verifies every set and repairs it if requested. Every set is
// processed even if one fails.
func (c *Census) VerifySets(ctx context.Context, cfg Config, flags VerifyFlags) ([]SetResult, error) {
	var results []SetResult
	var errs []error
	for _, k := range sortedSetNames(cfg) {
		setctx := klog.CtxWithAttrs(ctx, klog.AString("set", k))
		c.log.Info(setctx, "Verifying set")
		res, err := c.VerifySet(setctx, cfg.Sets[k], flags)
		if err != nil {
			err = kerrors.WithMsg(err, fmt.Sprintf("Failed verifying set %s", k))
			c.log.Err(setctx, err)
			errs = append(errs, err)
			continue
		}
		res.Name = k
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

func (c *Census) VerifySet(ctx context.Context, cfg SetConfig, flags VerifyFlags) (*SetResult, error) {
	paths, err := parity.FindSetFiles(c.fsys, filepath.Join(cfg.Path, filepath.FromSlash(cfg.Par2)))
	if err != nil {
		return nil, err
	}
	set, err := parity.Load(ctx, c.log.Logger.Sublogger("parity"), c.fsys, paths)
	if err != nil {
		return nil, kerrors.WithMsg(err, "Failed to load recovery set")
	}
	extra, err := c.findFiles(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := c.opts
	opts.BasePath = cfg.Path
	r, err := repair.New(c.log.Logger.Sublogger("repair"), c.fsys, set, opts)
	if err != nil {
		return nil, err
	}
	vres, err := r.Verify(ctx, extra)
	if err != nil {
		return nil, err
	}
	res := &SetResult{
		Verify: vres,
	}
	if !flags.Repair || !vres.RepairRequired {
		return res, nil
	}
	rres, err := r.Repair(ctx)
	if err != nil {
		return nil, err
	}
	res.Repair = rres
	return res, nil
}

// findFiles returns the slash separated paths relative to the set root of the
// files selected by the set dirs
func (c *Census) findFiles(ctx context.Context, cfg SetConfig) ([]string, error) {
	rootDir := kfs.DirFS(cfg.Path)
	var res []string
	for _, i := range cfg.Dirs {
		p := path.Clean(i.Path)
		if i.Exact {
			info, err := fs.Stat(rootDir, p)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, kerrors.WithKind(err, ErrNotFound, fmt.Sprintf("File %s does not exist", p))
				}
				return nil, kerrors.WithMsg(err, fmt.Sprintf("Failed to stat file %s", p))
			}
			if info.IsDir() {
				return nil, kerrors.WithMsg(nil, fmt.Sprintf("File %s is dir", p))
			}
			res = append(res, p)
			continue
		}
		r, err := regexp.Compile(i.Match)
		if err != nil {
			return nil, kerrors.WithMsg(err, fmt.Sprintf("Invalid match regex for dir %s", p))
		}
		info, err := fs.Stat(rootDir, p)
		if err != nil {
			return nil, kerrors.WithMsg(err, fmt.Sprintf("Failed to stat dir %s", p))
		}
		res, err = c.findDirFiles(ctx, rootDir, r, p, fs.FileInfoToDirEntry(info), res)
		if err != nil {
			return nil, kerrors.WithMsg(err, fmt.Sprintf("Failed to search dir %s", p))
		}
	}
	slices.Sort(res)
	return slices.Compact(res), nil
}

func (c *Census) findDirFiles(ctx context.Context, dir fs.FS, match *regexp.Regexp, p string, entry fs.DirEntry, res []string) ([]string, error) {
	if !entry.IsDir() {
		if !entry.Type().IsRegular() || strings.HasSuffix(strings.ToLower(p), ".par2") || !match.MatchString(p) {
			c.log.Debug(ctx, "Skipping unmatched file",
				klog.AString("path", p),
			)
			return res, nil
		}
		return append(res, p), nil
	}
	entries, err := fs.ReadDir(dir, p)
	if err != nil {
		return nil, kerrors.WithMsg(err, fmt.Sprintf("Failed reading dir %s", p))
	}
	c.log.Debug(ctx, "Exploring dir",
		klog.AString("path", p),
	)
	for _, i := range entries {
		res, err = c.findDirFiles(ctx, dir, match, path.Join(p, i.Name()), i, res)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

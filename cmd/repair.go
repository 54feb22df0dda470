package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/bitrepair/repair"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

type (
	repairFlags struct {
		basePath    string
		memory      string
		threads     int
		fileThreads int
		skipData    bool
		skipLeeway  uint64
		purge       bool
	}

	createFlags struct {
		basePath      string
		blockSize     uint64
		recoveryCount int
		firstExponent int
	}
)

func (c *Cmd) addRepairCmds(cmd *cobra.Command) {
	verifyCmd := &cobra.Command{
		Use:               "verify file.par2 [extra files...]",
		Short:             "verifies files against a recovery set",
		Long:              `verifies files against a recovery set`,
		Args:              cobra.MinimumNArgs(1),
		Run:               c.execVerify,
		DisableAutoGenTag: true,
	}
	c.addRepairFlags(verifyCmd)
	cmd.AddCommand(verifyCmd)

	repairCmd := &cobra.Command{
		Use:               "repair file.par2 [extra files...]",
		Short:             "repairs files from a recovery set",
		Long:              `repairs damaged and missing files from a recovery set`,
		Args:              cobra.MinimumNArgs(1),
		Run:               c.execRepair,
		DisableAutoGenTag: true,
	}
	c.addRepairFlags(repairCmd)
	repairCmd.PersistentFlags().BoolVar(&c.repairFlags.purge, "purge", false, "remove backups and recovery files after a successful repair")
	cmd.AddCommand(repairCmd)
}

func (c *Cmd) addRepairFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&c.repairFlags.basePath, "base-path", "b", "", "base path of the files of the set (default is the dir of the recovery file)")
	cmd.PersistentFlags().StringVarP(&c.repairFlags.memory, "memory", "m", "", "memory limit for repair buffers")
	cmd.PersistentFlags().IntVarP(&c.repairFlags.threads, "threads", "t", 0, "compute threads (default is the number of cpus)")
	cmd.PersistentFlags().IntVarP(&c.repairFlags.fileThreads, "file-threads", "T", 0, "number of files verified in parallel")
	cmd.PersistentFlags().BoolVarP(&c.repairFlags.skipData, "skip-data", "N", false, "skip ahead while searching for misplaced data")
	cmd.PersistentFlags().Uint64Var(&c.repairFlags.skipLeeway, "skip-leeway", 0, "bytes around the expected position searched when skipping")
}

// resolveSetPaths resolves the base path and the extra files named on the
// command line against the working directory
func resolveSetPaths(basePath, par2 string, extra []string) (string, []string, error) {
	if basePath == "" {
		basePath = dirOf(par2)
	}
	base, err := filepath.Abs(basePath)
	if err != nil {
		return "", nil, kerrors.WithMsg(err, "Failed to resolve base path")
	}
	files := make([]string, 0, len(extra))
	for _, i := range extra {
		p, err := filepath.Abs(i)
		if err != nil {
			return "", nil, kerrors.WithMsg(err, fmt.Sprintf("Failed to resolve file %s", i))
		}
		files = append(files, p)
	}
	return base, files, nil
}

// getRepairer loads the recovery set named by args[0] and returns a repairer
// with the resolved extra files args[1:]
func (c *Cmd) getRepairer(ctx context.Context, cmd *cobra.Command, args []string) (*repair.Repairer, []string, error) {
	base, extra, err := resolveSetPaths(c.repairFlags.basePath, args[0], args[1:])
	if err != nil {
		return nil, nil, err
	}
	paths, err := parity.FindSetFiles(c.fsys, args[0])
	if err != nil {
		return nil, nil, err
	}
	set, err := parity.Load(ctx, c.log.Logger.Sublogger("parity"), c.fsys, paths)
	if err != nil {
		return nil, nil, kerrors.WithMsg(err, "Failed to load recovery set")
	}
	c.log.Info(ctx, "Loaded recovery set",
		klog.AInt("files", len(set.Files)),
		klog.AInt("recovery", len(set.Recovery)),
		klog.AInt("volumes", len(paths)),
	)
	opts := c.getRepairOpts(cmd)
	opts.BasePath = base
	opts.Progress = c.logProgress(ctx)
	r, err := repair.New(c.log.Logger.Sublogger("repair"), c.fsys, set, opts)
	if err != nil {
		return nil, nil, err
	}
	return r, extra, nil
}

// logProgress logs progress at each whole percent
func (c *Cmd) logProgress(ctx context.Context) repair.ProgressFunc {
	return func(stage repair.Stage, done, total uint64) {
		if total == 0 {
			return
		}
		prev := (done - min(done, 1)) * 100 / total
		if pct := done * 100 / total; pct != prev || done == total {
			c.log.Debug(ctx, "Progress",
				klog.AString("stage", string(stage)),
				klog.AInt("percent", int(pct)),
			)
		}
	}
}

func (c *Cmd) execVerify(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	r, extra, err := c.getRepairer(ctx, cmd, args)
	if err != nil {
		c.logFatal(err)
		return
	}
	res, err := r.Verify(ctx, extra)
	if err != nil {
		c.logFatal(err)
		return
	}
	printStats(res.Stats)
	if !res.RepairRequired {
		fmt.Println("All files are correct, repair is not required")
		return
	}
	if res.RepairPossible {
		fmt.Println("Repair is required and possible")
		return
	}
	fmt.Println("Repair is required and not possible")
	os.Exit(1)
}

func (c *Cmd) execRepair(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	r, extra, err := c.getRepairer(ctx, cmd, args)
	if err != nil {
		c.logFatal(err)
		return
	}
	res, err := r.Verify(ctx, extra)
	if err != nil {
		c.logFatal(err)
		return
	}
	printStats(res.Stats)
	rres, err := r.Repair(ctx)
	if err != nil {
		c.logFatal(err)
		return
	}
	if !rres.Repaired {
		fmt.Println("All files are correct, repair is not required")
		return
	}
	fmt.Printf("Repair complete, wrote %d bytes\n", rres.BytesWritten)
}

func printStats(s repair.Stats) {
	fmt.Printf("complete: %d, renamed: %d, damaged: %d, missing: %d\n", s.CompleteFiles, s.RenamedFiles, s.DamagedFiles, s.MissingFiles)
	fmt.Printf("blocks available: %d/%d, recovery blocks: %d\n", s.AvailableBlocks, s.TotalBlocks, s.RecoveryBlocks)
}

func (c *Cmd) getCreateCmd() *cobra.Command {
	createCmd := &cobra.Command{
		Use:               "create out.par2 files...",
		Short:             "creates a recovery set",
		Long:              `creates a recovery set protecting files`,
		Args:              cobra.MinimumNArgs(2),
		Run:               c.execCreate,
		DisableAutoGenTag: true,
	}
	createCmd.PersistentFlags().StringVarP(&c.createFlags.basePath, "base-path", "b", "", "path stored names are relative to (default is the dir of the recovery file)")
	createCmd.PersistentFlags().Uint64VarP(&c.createFlags.blockSize, "block-size", "s", 0, "block size in bytes, a multiple of 4")
	createCmd.PersistentFlags().IntVarP(&c.createFlags.recoveryCount, "recovery-count", "c", 0, "number of recovery blocks")
	createCmd.PersistentFlags().IntVarP(&c.createFlags.firstExponent, "first-exponent", "f", 0, "exponent of the first recovery block")
	return createCmd
}

func (c *Cmd) execCreate(cmd *cobra.Command, args []string) {
	opts := parity.CreateOpts{
		BlockSize:     viper.GetUint64("create.block_size"),
		RecoveryCount: viper.GetInt("create.recovery_count"),
		FirstExponent: viper.GetInt("create.first_exponent"),
		Creator:       "bitrepair " + c.version,
	}
	flags := cmd.Flags()
	if flags.Changed("block-size") {
		opts.BlockSize = c.createFlags.blockSize
	}
	if flags.Changed("recovery-count") {
		opts.RecoveryCount = c.createFlags.recoveryCount
	}
	if flags.Changed("first-exponent") {
		opts.FirstExponent = c.createFlags.firstExponent
	}
	out := args[0]
	base := c.createFlags.basePath
	if base == "" {
		base = dirOf(out)
	}
	files := make([]parity.CreateFile, 0, len(args)-1)
	for _, i := range args[1:] {
		name, err := relName(base, i)
		if err != nil {
			c.logFatal(err)
			return
		}
		files = append(files, parity.CreateFile{
			Path: i,
			Name: name,
		})
	}
	if err := parity.Create(context.Background(), c.log.Logger.Sublogger("parity"), c.fsys, out, files, opts); err != nil {
		c.logFatal(err)
		return
	}
}

func dirOf(p string) string {
	return filepath.Dir(p)
}

// relName returns the slash separated name of p relative to base
func relName(base, p string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", kerrors.WithMsg(err, "Failed to resolve base path")
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return "", kerrors.WithMsg(err, "Failed to resolve file path")
	}
	rel, err := filepath.Rel(absBase, absP)
	if err != nil {
		return "", kerrors.WithMsg(err, fmt.Sprintf("File %s is not within base path", p))
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", kerrors.WithMsg(nil, fmt.Sprintf("File %s is not within base path", p))
	}
	return rel, nil
}

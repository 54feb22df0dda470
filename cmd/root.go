package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"xorkevin.dev/bitrepair/repair"
	"xorkevin.dev/bitrepair/util/bytefmt"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

type (
	Cmd struct {
		rootCmd     *cobra.Command
		log         *klog.LevelLogger
		fsys        afero.Fs
		version     string
		rootFlags   rootFlags
		repairFlags repairFlags
		createFlags createFlags
		setsFlags   setsFlags
		docFlags    docFlags
	}

	rootFlags struct {
		cfgFile  string
		logLevel string
		logJSON  bool
	}
)

func New() *Cmd {
	return &Cmd{
		fsys: afero.NewOsFs(),
	}
}

func (c *Cmd) Execute() {
	buildinfo := ReadVCSBuildInfo()
	c.version = buildinfo.ModVersion
	rootCmd := &cobra.Command{
		Use:               "bitrepair",
		Short:             "A par2 verification and repair utility",
		Long:              `A par2 verification and repair utility`,
		Version:           c.version,
		PersistentPreRun:  c.initConfig,
		DisableAutoGenTag: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.rootFlags.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/bitrepair/bitrepair.json)")
	rootCmd.PersistentFlags().StringVar(&c.rootFlags.logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().BoolVar(&c.rootFlags.logJSON, "log-json", false, "output json logs")

	viper.SetDefault("repair.memory", "256MiB")
	viper.SetDefault("repair.file_threads", repair.DefaultFileThreads)
	viper.SetDefault("repair.skip_leeway", repair.DefaultSkipLeeway)
	viper.SetDefault("repair.transfer_buffers", repair.DefaultTransferBuffers)

	c.rootCmd = rootCmd

	c.addRepairCmds(rootCmd)
	rootCmd.AddCommand(c.getCreateCmd())
	rootCmd.AddCommand(c.getSetsCmd())
	rootCmd.AddCommand(c.getDocCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
		return
	}
}

// initConfig reads in config file and ENV variables if set.
func (c *Cmd) initConfig(cmd *cobra.Command, args []string) {
	logWriter := klog.NewSyncWriter(os.Stderr)
	var handler *klog.SlogHandler
	if c.rootFlags.logJSON {
		handler = klog.NewJSONSlogHandler(logWriter)
	} else {
		handler = klog.NewTextSlogHandler(logWriter)
		handler.FieldTimeInfo = ""
		handler.FieldCaller = ""
		handler.FieldMod = ""
	}
	c.log = klog.NewLevelLogger(klog.New(
		klog.OptHandler(handler),
		klog.OptMinLevelStr(c.rootFlags.logLevel),
	))

	if c.rootFlags.cfgFile != "" {
		viper.SetConfigFile(c.rootFlags.cfgFile)
	} else {
		viper.SetConfigName("bitrepair")
		viper.AddConfigPath(".")

		// Search config in $XDG_CONFIG_HOME/bitrepair directory
		if cfgdir, err := os.UserConfigDir(); err != nil {
			c.log.WarnErr(context.Background(), kerrors.WithMsg(err, "Failed reading user config dir"))
		} else {
			viper.AddConfigPath(filepath.Join(cfgdir, "bitrepair"))
		}
	}

	viper.SetEnvPrefix("BITREPAIR")
	viper.AutomaticEnv() // read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		c.log.Debug(context.Background(), "Failed reading config", klog.AString("err", err.Error()))
	} else {
		c.log.Debug(context.Background(), "Using config", klog.AString("file", viper.ConfigFileUsed()))
	}
}

// getRepairOpts reads repair options from config overridden by any flags set
// on cmd
func (c *Cmd) getRepairOpts(cmd *cobra.Command) repair.Opts {
	var opts repair.Opts
	if err := viper.UnmarshalKey("repair", &opts); err != nil {
		c.logFatal(kerrors.WithMsg(err, "Failed to read repair config"))
		return repair.Opts{}
	}
	flags := cmd.Flags()
	memLimit := viper.GetString("repair.memory")
	if flags.Changed("memory") {
		memLimit = c.repairFlags.memory
	}
	if memLimit != "" {
		n, err := bytefmt.ToBytes(memLimit)
		if err != nil {
			c.logFatal(kerrors.WithMsg(err, "Invalid memory limit"))
			return repair.Opts{}
		}
		opts.MemoryLimit = n
	}
	if flags.Changed("threads") {
		opts.Threads = c.repairFlags.threads
	}
	if flags.Changed("file-threads") {
		opts.FileThreads = c.repairFlags.fileThreads
	}
	if flags.Changed("skip-data") {
		opts.SkipData = c.repairFlags.skipData
	}
	if flags.Changed("skip-leeway") {
		opts.SkipLeeway = c.repairFlags.skipLeeway
	}
	if flags.Changed("purge") {
		opts.Purge = c.repairFlags.purge
	}
	return opts
}

func (c *Cmd) logFatal(err error) {
	c.log.Err(context.Background(), err)
	os.Exit(1)
}

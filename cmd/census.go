package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"xorkevin.dev/bitrepair/census"
	"xorkevin.dev/kerrors"
)

type (
	setsFlags struct {
		set string
	}
)

func (c *Cmd) getSetsCmd() *cobra.Command {
	setsCmd := &cobra.Command{
		Use:               "sets",
		Short:             "manages recovery sets from config",
		Long:              `manages the recovery sets named in the config file`,
		DisableAutoGenTag: true,
	}
	setsCmd.PersistentFlags().StringVarP(&c.setsFlags.set, "set", "s", "", "set name (empty means all)")

	createCmd := &cobra.Command{
		Use:               "create",
		Short:             "creates recovery files of sets",
		Long:              `creates the recovery files of sets`,
		Run:               c.execSetsCreate,
		DisableAutoGenTag: true,
	}
	setsCmd.AddCommand(createCmd)

	verifyCmd := &cobra.Command{
		Use:               "verify",
		Short:             "verifies sets",
		Long:              `verifies the files of sets`,
		Run:               c.execSetsVerify,
		DisableAutoGenTag: true,
	}
	c.addRepairFlags(verifyCmd)
	setsCmd.AddCommand(verifyCmd)

	repairCmd := &cobra.Command{
		Use:               "repair",
		Short:             "repairs sets",
		Long:              `verifies the files of sets and repairs them if needed`,
		Run:               c.execSetsRepair,
		DisableAutoGenTag: true,
	}
	c.addRepairFlags(repairCmd)
	repairCmd.PersistentFlags().BoolVar(&c.repairFlags.purge, "purge", false, "remove backups and recovery files after a successful repair")
	setsCmd.AddCommand(repairCmd)

	return setsCmd
}

func (c *Cmd) getCensusConfig() census.Config {
	var cfg census.Config
	if err := viper.UnmarshalKey("sets", &cfg.Sets); err != nil {
		c.logFatal(kerrors.WithMsg(err, "Failed to read sets config"))
		return census.Config{}
	}
	if c.setsFlags.set != "" {
		s, ok := cfg.Sets[c.setsFlags.set]
		if !ok {
			c.logFatal(kerrors.WithMsg(nil, fmt.Sprintf("Set %s not found", c.setsFlags.set)))
			return census.Config{}
		}
		cfg.Sets = map[string]census.SetConfig{
			c.setsFlags.set: s,
		}
	}
	return cfg
}

func (c *Cmd) execSetsCreate(cmd *cobra.Command, args []string) {
	cfg := c.getCensusConfig()
	cen := census.NewCensus(c.log.Logger, c.fsys, c.getRepairOpts(cmd))
	if err := cen.CreateSets(context.Background(), cfg); err != nil {
		c.logFatal(err)
		return
	}
}

func (c *Cmd) execSetsVerify(cmd *cobra.Command, args []string) {
	c.runSets(cmd, census.VerifyFlags{})
}

func (c *Cmd) execSetsRepair(cmd *cobra.Command, args []string) {
	c.runSets(cmd, census.VerifyFlags{
		Repair: true,
	})
}

func (c *Cmd) runSets(cmd *cobra.Command, flags census.VerifyFlags) {
	cfg := c.getCensusConfig()
	opts := c.getRepairOpts(cmd)
	opts.Progress = c.logProgress(context.Background())
	cen := census.NewCensus(c.log.Logger, c.fsys, opts)
	res, err := cen.VerifySets(context.Background(), cfg, flags)
	for _, i := range res {
		fmt.Printf("%s:\n", i.Name)
		printStats(i.Verify.Stats)
		switch {
		case i.Repair != nil && i.Repair.Repaired:
			fmt.Printf("repaired, wrote %d bytes\n", i.Repair.BytesWritten)
		case !i.Verify.RepairRequired:
			fmt.Println("all files are correct")
		case i.Verify.RepairPossible:
			fmt.Println("repair is required and possible")
		default:
			fmt.Println("repair is required and not possible")
		}
	}
	if err != nil {
		c.logFatal(err)
		return
	}
}

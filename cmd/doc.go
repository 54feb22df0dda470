package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
	"xorkevin.dev/kerrors"
)

type (
	docFlags struct {
		outputDir string
	}
)

func (c *Cmd) getDocCmd() *cobra.Command {
	docCmd := &cobra.Command{
		Use:               "doc",
		Short:             "generate documentation for bitrepair",
		Long:              `generate documentation for bitrepair as man pages or markdown`,
		DisableAutoGenTag: true,
	}
	docCmd.PersistentFlags().StringVarP(&c.docFlags.outputDir, "output", "o", ".", "documentation output path")

	docCmd.AddCommand(&cobra.Command{
		Use:               "man",
		Short:             "generate man pages",
		Long:              `generate a man page for every bitrepair command`,
		Run:               c.execDocMan,
		DisableAutoGenTag: true,
	})
	docCmd.AddCommand(&cobra.Command{
		Use:               "md",
		Short:             "generate markdown",
		Long:              `generate a markdown page for every bitrepair command`,
		Run:               c.execDocMd,
		DisableAutoGenTag: true,
	})

	return docCmd
}

func (c *Cmd) ensureDocDir() {
	if err := os.MkdirAll(c.docFlags.outputDir, 0o777); err != nil {
		c.logFatal(kerrors.WithMsg(err, "Failed to create output dir"))
	}
}

func (c *Cmd) execDocMan(cmd *cobra.Command, args []string) {
	c.ensureDocDir()
	if err := doc.GenManTree(c.rootCmd, &doc.GenManHeader{
		Title:   "bitrepair",
		Section: "1",
		Source:  "bitrepair " + c.version,
		Manual:  "bitrepair manual",
	}, c.docFlags.outputDir); err != nil {
		c.logFatal(kerrors.WithMsg(err, "Failed to generate man pages"))
		return
	}
}

func (c *Cmd) execDocMd(cmd *cobra.Command, args []string) {
	c.ensureDocDir()
	if err := doc.GenMarkdownTree(c.rootCmd, c.docFlags.outputDir); err != nil {
		c.logFatal(kerrors.WithMsg(err, "Failed to generate markdown"))
		return
	}
}

package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "wim",
	Short: "Write and append Windows Imaging (WIM) archives",
	Long: `
wim captures directory trees into Windows Imaging archives: content-addressed
containers of compressed file streams plus per-image metadata. Archives can be
extended in place without rewriting existing data.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

var verbose bool

func init() {
	cmdRoot.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmdRoot.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	}
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyline93/wim/internal/archive"
)

var cmdInfo = &cobra.Command{
	Use:   "info WIMFILE",
	Short: "Show header and image information of an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunInfo(args[0])
	},
}

var infoCheck bool

func init() {
	cmdRoot.AddCommand(cmdInfo)
	cmdInfo.Flags().BoolVar(&infoCheck, "check-integrity", false, "verify the integrity table")
}

func RunInfo(path string) error {
	a, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("compression: %v\n", a.CompressionType())
	fmt.Printf("images:      %d\n", len(a.Images()))
	for _, img := range a.Images() {
		fmt.Printf("  [%d] %s: %d dirs, %d files, %d bytes\n",
			img.Info.Index, img.Info.Name, img.Info.DirCount, img.Info.FileCount, img.Info.TotalBytes)
	}

	if infoCheck {
		if err := a.VerifyIntegrity(); err != nil {
			return err
		}
		fmt.Println("integrity:   ok")
	}
	return nil
}

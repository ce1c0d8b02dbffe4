package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyline93/wim/internal/archive"
	"github.com/skyline93/wim/internal/capture"
	"github.com/skyline93/wim/internal/wim"
	"github.com/skyline93/wim/internal/writer"
)

var cmdCapture = &cobra.Command{
	Use:   "capture [flags] DIR WIMFILE",
	Short: "Capture a directory tree into a new archive",
	Long: `
The "capture" command walks the given directory, deduplicates its file
contents by SHA-1, and writes a new archive containing one image.
`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCapture(args[0], args[1])
	},
}

// CaptureOptions bundles all options for the capture and append commands.
type CaptureOptions struct {
	Compression string
	ImageName   string
	Threads     uint
	Check       bool
	Fsync       bool
	Recompress  bool
}

var captureOptions CaptureOptions

func init() {
	cmdRoot.AddCommand(cmdCapture)

	f := cmdCapture.Flags()
	f.StringVar(&captureOptions.Compression, "compress", "lzx", "compression type (none, xpress, lzx)")
	f.StringVar(&captureOptions.ImageName, "name", "", "name of the captured image")
	f.UintVar(&captureOptions.Threads, "threads", 0, "compressor threads (default: one per processor)")
	f.BoolVar(&captureOptions.Check, "check-integrity", false, "include an integrity table")
	f.BoolVar(&captureOptions.Fsync, "fsync", false, "flush the archive to disk before closing it")
	f.BoolVar(&captureOptions.Recompress, "recompress", false, "recompress streams already in the target format")
}

func (o CaptureOptions) writeFlags() archive.WriteFlags {
	var flags archive.WriteFlags
	if o.Check {
		flags |= archive.CheckIntegrity
	}
	if o.Fsync {
		flags |= archive.Fsync
	}
	if o.Recompress {
		flags |= archive.Recompress
	}
	return flags
}

func RunCapture(dir, out string) error {
	ctype, err := wim.ParseCompressionType(captureOptions.Compression)
	if err != nil {
		return err
	}

	res, err := capture.Dir(dir, captureOptions.ImageName)
	if err != nil {
		return err
	}

	a := archive.New(ctype)
	a.AddImage(res.Info, res.Streams, nil)

	opts := archive.Options{
		Flags:    captureOptions.writeFlags(),
		Threads:  captureOptions.Threads,
		Progress: reportProgress,
	}
	if err := a.Write(out, archive.AllImages, opts); err != nil {
		return err
	}
	fmt.Printf("captured %d streams into %s\n", len(res.Streams), out)
	return nil
}

func reportProgress(p writer.Progress) {
	if p.TotalBytes == 0 {
		return
	}
	fmt.Printf("\r%d/%d streams, %d/%d bytes", p.CompletedStreams, p.TotalStreams, p.CompletedBytes, p.TotalBytes)
	if p.CompletedStreams == p.TotalStreams {
		fmt.Println()
	}
}

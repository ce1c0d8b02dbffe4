package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyline93/wim/internal/archive"
	"github.com/skyline93/wim/internal/capture"
)

var cmdAppend = &cobra.Command{
	Use:   "append [flags] DIR WIMFILE",
	Short: "Append a directory tree as a new image of an existing archive",
	Long: `
The "append" command adds a new image to an existing archive. Streams already
present in the archive are shared, and new data is written beyond the old end
so that an interrupted append leaves the archive intact.
`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAppend(args[0], args[1])
	},
}

// AppendOptions extends the capture options with overwrite policy knobs.
type AppendOptions struct {
	CaptureOptions
	Rebuild    bool
	SoftDelete bool
	LockWait   time.Duration
}

var appendOptions AppendOptions

func init() {
	cmdRoot.AddCommand(cmdAppend)

	f := cmdAppend.Flags()
	f.StringVar(&appendOptions.ImageName, "name", "", "name of the appended image")
	f.UintVar(&appendOptions.Threads, "threads", 0, "compressor threads (default: one per processor)")
	f.BoolVar(&appendOptions.Check, "check-integrity", false, "include an integrity table")
	f.BoolVar(&appendOptions.Fsync, "fsync", false, "flush the archive to disk before closing it")
	f.BoolVar(&appendOptions.Recompress, "recompress", false, "recompress streams already in the target format")
	f.BoolVar(&appendOptions.Rebuild, "rebuild", false, "rebuild the whole archive instead of appending")
	f.BoolVar(&appendOptions.SoftDelete, "soft-delete", false, "append even after deletions, leaving dead streams in place")
	f.DurationVar(&appendOptions.LockWait, "lock-wait", 0, "how long to wait for the archive lock (default: fail immediately)")
}

func RunAppend(dir, path string) error {
	a, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := capture.Dir(dir, appendOptions.ImageName)
	if err != nil {
		return err
	}
	a.AddImage(res.Info, res.Streams, nil)

	flags := appendOptions.writeFlags()
	if appendOptions.Rebuild {
		flags |= archive.Rebuild
	}
	if appendOptions.SoftDelete {
		flags |= archive.SoftDelete
	}

	opts := archive.Options{
		Flags:    flags,
		Threads:  appendOptions.Threads,
		LockWait: appendOptions.LockWait,
		Progress: reportProgress,
	}
	if err := a.Overwrite(opts); err != nil {
		return err
	}
	fmt.Printf("appended image %d to %s\n", len(a.Images()), path)
	return nil
}

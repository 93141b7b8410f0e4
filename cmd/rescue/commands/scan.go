package commands

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/shubham/filerescue/internal/carve"
	"github.com/shubham/filerescue/internal/device"
	"github.com/shubham/filerescue/internal/disk"
	"github.com/shubham/filerescue/internal/exfat"
	"github.com/shubham/filerescue/internal/fat32"
	"github.com/shubham/filerescue/internal/ntfs"
	"github.com/shubham/filerescue/internal/scan"
	"github.com/shubham/filerescue/internal/sig"
)

func scanCmd() *cobra.Command {
	var deep bool

	cmd := &cobra.Command{
		Use:   "scan <device>",
		Short: "Scan a device and list recoverable files without writing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := disk.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			scanner, err := pickScanner(src, deep)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var found int
			err = scanner.Scan(ctx, func(cand scan.Candidate) error {
				found++
				name := cand.Name
				if name == "" {
					name = "(unnamed)"
				}
				flags := ""
				if cand.Partial {
					flags += " partial"
				}
				if cand.Ambiguous {
					flags += " ambiguous"
				}
				fmt.Printf("%-8s %-40s %12s  @%-12d %s/%s%s\n",
					cand.Tag, name, device.HumanSize(cand.Size), cand.Start,
					cand.Confidence, cand.Method, flags)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				return err
			}

			fmt.Printf("\n%d recoverable files found.\n", found)
			for _, reg := range src.BadRegions() {
				fmt.Printf("warning: skipped %d unreadable bytes at offset %d\n", reg.Length, reg.Offset)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deep, "deep", false, "carve raw bytes by signature instead of walking metadata")
	return cmd
}

// pickScanner mirrors the session's selection: metadata when a known
// filesystem is present, signature carving otherwise.
func pickScanner(src disk.Source, deep bool) (scan.Scanner, error) {
	if !deep {
		fs, err := disk.DetectFilesystem(src)
		if err == nil {
			fmt.Printf("Detected filesystem: %s\n", fs)
			switch fs {
			case "fat32", "fat16":
				return fat32.NewScanner(src)
			case "ntfs":
				return ntfs.NewScanner(src)
			case "exfat":
				return exfat.NewScanner(src)
			}
		}
		fmt.Println("No recognized filesystem; falling back to sector-aligned carve.")
		c := carve.New(src, sig.New())
		c.SetStride(disk.SectorSize)
		return c, nil
	}
	return carve.New(src, sig.New()), nil
}

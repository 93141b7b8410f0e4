// Package commands implements the CLI commands for filerescue.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shubham/filerescue/internal/logger"
)

var (
	version string
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "rescue",
		Short: "Recover deleted files from disks and disk images",
		Long: `rescue locates and recovers deleted files from block devices and
raw disk images.

Quick scans walk surviving filesystem metadata (FAT32, exFAT, NTFS) and
preserve names and paths. Deep scans carve the raw bytes by signature
and work even when the filesystem is gone.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetVerbose()
			}
		},
	}
)

// Execute runs the CLI.
func Execute(v string) error {
	version = v

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		versionCmd(),
		devicesCmd(),
		scanCmd(),
		recoverCmd(),
	)

	return rootCmd.Execute()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rescue version %s\n", version)
		},
	}
}

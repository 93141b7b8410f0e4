package commands

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/shubham/filerescue/internal/device"
	"github.com/shubham/filerescue/internal/session"
)

func recoverCmd() *cobra.Command {
	var (
		dest  string
		deep  bool
		types []string
	)

	cmd := &cobra.Command{
		Use:   "recover <device>",
		Short: "Recover deleted files from a device into a destination directory",
		Long: `Recover scans the device and writes every recoverable file into the
destination directory, along with a manifest and a recovery log.

The destination must be on a different disk than the one being scanned;
writing onto the source would overwrite the data being recovered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scanType := session.ScanQuick
			if deep {
				scanType = session.ScanDeep
			}

			s := session.New(session.Config{
				Source:   args[0],
				ScanType: scanType,
				Types:    types,
				Dest:     dest,
			}, nil)

			if err := s.Start(cmd.Context()); err != nil {
				return err
			}

			// First interrupt cancels cooperatively; a second one kills us.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			go func() {
				<-sigCh
				fmt.Println("\nCancelling, finishing current file...")
				s.Cancel()
				signal.Stop(sigCh)
			}()

			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			done := make(chan error, 1)
			go func() { done <- s.Wait() }()

			for {
				select {
				case <-ticker.C:
					printProgress(s.Status())
				case err := <-done:
					printProgress(s.Status())
					fmt.Println()
					return summarize(s, err)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&dest, "output", "o", "./recovered", "destination directory for recovered files")
	cmd.Flags().BoolVar(&deep, "deep", false, "carve raw bytes by signature instead of walking metadata")
	cmd.Flags().StringSliceVarP(&types, "types", "t", nil, "only recover these file types (e.g. JPEG,PNG,PDF)")
	return cmd
}

func printProgress(st session.Status) {
	pct := float64(0)
	if st.DeviceSize > 0 {
		pct = float64(st.BytesScanned) / float64(st.DeviceSize) * 100
	}
	fmt.Printf("\r%-10s %6.2f%%  %s scanned  %d found  %d written  %d failed",
		st.State, pct, device.HumanSize(st.BytesScanned),
		st.CandidatesFound, st.FilesWritten, st.FilesFailed)
}

func summarize(s *session.Session, err error) error {
	st := s.Status()
	switch st.State {
	case session.StateCancelled:
		fmt.Printf("Cancelled. %d files recovered before stopping.\n", st.FilesWritten)
	case session.StateCompleted:
		fmt.Printf("Done. %d files recovered, %d failed, %d skipped.\n",
			st.FilesWritten, st.FilesFailed, st.FilesSkipped)
	default:
		return fmt.Errorf("recovery failed: %w", err)
	}

	results, err := s.Result()
	if err != nil {
		return err
	}
	for _, fr := range results {
		if fr.Status == "failed" {
			fmt.Printf("  failed: %s at offset %d\n", fr.Tag, fr.Offset)
		}
	}
	return nil
}

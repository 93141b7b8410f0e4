package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shubham/filerescue/internal/device"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List storage devices available for scanning",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := device.List()
			if err != nil {
				return fmt.Errorf("failed to enumerate devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("No devices found.")
				return nil
			}
			for _, d := range devices {
				marker := " "
				if d.Mounted() {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, d.Label())
			}
			fmt.Println("\n* mounted; unmount before scanning for reliable results")
			return nil
		},
	}
}
